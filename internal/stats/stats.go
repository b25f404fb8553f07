// Package stats estimates the DHT's network size from the XOR distances
// returned by completed lookups, over a sliding time window.
//
// Grounded on original_source/theseus/statstracker.py: each lookup's
// closest observed distance estimates how densely the keyspace is
// populated near that target; averaging 2^160/distance over a recent
// window gives a network-size estimate that self-corrects as peers churn.
package stats

import (
	"math/big"
	"sync"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
)

// Window is how long an observation remains part of the estimate, matching
// the original's WINDOW constant.
const Window = time.Hour

type observation struct {
	distance *big.Int
	at       time.Time
}

// Tracker accumulates closest-distance observations and estimates network
// size from them.
type Tracker struct {
	mu   sync.Mutex
	obs  []observation
	now  func() time.Time
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// Observe records the closest XOR distance seen in a completed lookup.
func (t *Tracker) Observe(closest kad.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := new(big.Int).SetBytes(closest[:])
	t.obs = append(t.obs, observation{distance: d, at: t.now()})
	t.evictLocked()
}

func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-Window)
	i := 0
	for ; i < len(t.obs); i++ {
		if t.obs[i].at.After(cutoff) {
			break
		}
	}
	t.obs = t.obs[i:]
}

// keyspaceSize is 2^160, the full address space.
var keyspaceSize = new(big.Int).Lsh(big.NewInt(1), kad.L)

// EstimateSize returns the current estimated network size: the mean of
// 2^160/distance across all observations in the window, or 0 if there are
// none.
func (t *Tracker) EstimateSize() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	if len(t.obs) == 0 {
		return 0
	}
	sum := new(big.Float)
	ks := new(big.Float).SetInt(keyspaceSize)
	for _, o := range t.obs {
		if o.distance.Sign() == 0 {
			continue
		}
		ratio := new(big.Float).Quo(ks, new(big.Float).SetInt(o.distance))
		sum.Add(sum, ratio)
	}
	mean := new(big.Float).Quo(sum, big.NewFloat(float64(len(t.obs))))
	f, _ := mean.Float64()
	return f
}
