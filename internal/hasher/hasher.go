// Package hasher runs Argon2id key derivations behind a bounded worker
// pool, with job deduplication, upgradable priorities, and an LRU result
// cache — the only component in the DHT core that crosses from the
// single-threaded event loop onto real OS threads.
//
// Grounded on original_source/theseus/hasher.py: a PriorityQueue of jobs
// keyed by preimage, a fixed-size worker pool, and an lru_cache-equivalent
// result cache.
package hasher

import (
	"container/heap"
	"context"
	"crypto/subtle"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/argon2"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
	"github.com/theseus-dht/theseus/logger"
	"github.com/theseus-dht/theseus/logger/glog"
)

// nowFunc is overridable in tests that need to control preimage aging.
var nowFunc = time.Now

// MaxThreads bounds the number of concurrent Argon2id workers.
const MaxThreads = 3

// CacheSize is the number of (input,salt) results the LRU retains.
const CacheSize = 500

// OutputLen is the Argon2id digest length in bytes.
const OutputLen = 20

// Salt is the fixed 16-zero-byte salt used for every KDF invocation.
var Salt = make([]byte, 16)

// Argon2id "INTERACTIVE" parameters. The original source hashes with
// libsodium's nacl.pwhash.argon2id.kdf (hasher.py:67), which fixes
// parallelism to 1 lane; matching that is required to reproduce its
// digests bit-for-bit, not just to satisfy an RFC 9106 recommendation.
const (
	timeCost    = 2
	memoryCostK = 64 * 1024 // KiB
	parallelism = 1
)

// Result is the outcome of a hashing job.
type Result struct {
	Addr kad.Addr
	Err  error
}

type job struct {
	preimage nodeaddr.Preimage
	priority int
	active   bool
	waiters  []chan Result
	index    int // heap index
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	// active jobs precede deactivated ones at equal priority
	return h[i].active && !h[j].active
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Hasher schedules Argon2id computations across a bounded worker pool.
type Hasher struct {
	mu      sync.Mutex
	heap    jobHeap
	active  map[nodeaddr.Preimage]*job
	running int
	cache   *lru.Cache

	// KDFInvocations counts real Argon2id calls, for test observability of
	// the "submitting the same preimage twice results in exactly one KDF
	// invocation" property.
	KDFInvocations int
}

// New constructs a Hasher with an empty job queue and result cache.
func New() *Hasher {
	c, err := lru.New(CacheSize)
	if err != nil {
		// lru.New only errors on non-positive size; CacheSize is a
		// positive constant.
		panic(err)
	}
	return &Hasher{
		active: make(map[nodeaddr.Preimage]*job),
		cache:  c,
	}
}

type cacheKey [PreimageInputLen]byte

// PreimageInputLen is the length of the bytes hashed into the cache key:
// KDF input || salt.
const PreimageInputLen = nodeaddr.PreimageLen + 10 + 16

func (h *Hasher) cacheKeyFor(p nodeaddr.Preimage) cacheKey {
	var k cacheKey
	copy(k[:], p.KDFInput())
	copy(k[nodeaddr.PreimageLen+10:], Salt)
	return k
}

// Enqueue submits preimage for hashing at the given priority (higher runs
// first) and returns a channel that receives exactly one Result.
func (h *Hasher) Enqueue(ctx context.Context, preimage nodeaddr.Preimage, priority int) <-chan Result {
	ch := make(chan Result, 1)

	if cached, ok := h.cache.Get(h.cacheKeyFor(preimage)); ok {
		ch <- Result{Addr: cached.(kad.Addr)}
		return ch
	}

	h.mu.Lock()
	if existing, ok := h.active[preimage]; ok && existing.active {
		if priority > existing.priority {
			existing.priority = priority
			if existing.index >= 0 { // still queued, not yet running
				heap.Fix(&h.heap, existing.index)
			}
		}
		existing.waiters = append(existing.waiters, ch)
		h.mu.Unlock()
		h.schedule()
		return ch
	}
	j := &job{preimage: preimage, priority: priority, active: true, waiters: []chan Result{ch}}
	h.active[preimage] = j
	heap.Push(&h.heap, j)
	h.mu.Unlock()

	h.schedule()
	return ch
}

// schedule dispatches jobs to workers while capacity and work both exist.
func (h *Hasher) schedule() {
	for {
		h.mu.Lock()
		if h.running >= MaxThreads || h.heap.Len() == 0 {
			h.mu.Unlock()
			return
		}
		j := heap.Pop(&h.heap).(*job)
		j.index = -1
		if !j.active {
			h.mu.Unlock()
			continue
		}
		h.running++
		h.mu.Unlock()

		go h.run(j)
		return
	}
}

func (h *Hasher) run(j *job) {
	defer func() {
		h.mu.Lock()
		h.running--
		delete(h.active, j.preimage)
		h.mu.Unlock()
		h.schedule()
	}()

	input := j.preimage.KDFInput()
	digest := argon2.IDKey(input, Salt, timeCost, memoryCostK, parallelism, OutputLen)
	var addr kad.Addr
	copy(addr[:], digest)

	h.mu.Lock()
	h.KDFInvocations++
	h.cache.Add(h.cacheKeyFor(j.preimage), addr)
	waiters := j.waiters
	// Retire the job under the same lock that snapshots its waiters, so a
	// later Enqueue either lands in this snapshot or starts a fresh job.
	delete(h.active, j.preimage)
	h.mu.Unlock()

	glog.V(logger.Detail).Infof("hasher: computed addr for preimage ts=%d ip=%s", j.preimage.Timestamp(), j.preimage.IP())

	res := Result{Addr: addr}
	for _, w := range waiters {
		w <- res
	}
}

// Check verifies that expectedAddr equals the Argon2id hash of preimage. It
// fails fast with nodeaddr.ErrExpiredTimestamp if the preimage's timestamp
// is too old, without ever enqueuing a job.
func (h *Hasher) Check(ctx context.Context, expectedAddr kad.Addr, preimage nodeaddr.Preimage, priority int) (bool, error) {
	if preimage.Age(nowFunc()) > nodeaddr.VerificationWindow {
		return false, nodeaddr.ErrExpiredTimestamp
	}
	ch := h.Enqueue(ctx, preimage, priority)
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return subtle.ConstantTimeCompare(res.Addr[:], expectedAddr[:]) == 1, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
