// Package datastore implements the local data store consumed by the DHT
// protocol's get/put handlers: a TTL- and memory-bounded map keyed by
// (address, tag).
//
// Grounded on original_source/theseus/datastore.py: duration is always the
// minimum of the caller-suggested duration and a policy-derived ceiling,
// and entries are evicted once they age past their granted duration.
package datastore

import (
	"sync"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
)

// MaxDuration is the policy ceiling for any single entry's lifetime.
const MaxDuration = 2 * time.Hour

// memFactor is the per-store byte budget and addrFactor the overhead
// charged per stored entry: policy duration shrinks as the store fills up
// and as more entries share the budget, mirroring the original's
// memfactor/addrfactor scaling.
const (
	memFactor  = 1 << 20 // bytes budget per store
	addrFactor = 64       // bytes overhead assumed per stored entry
)

// Entry is one stored value under a given tag.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Store is a size- and TTL-bounded map from (addr, tag) to byte-slice
// entries.
type Store struct {
	mu      sync.Mutex
	data    map[kad.Addr]map[string]Entry
	size    int
	budget  int
}

// New constructs an empty store with the default memory budget.
func New() *Store {
	return &Store{
		data:   make(map[kad.Addr]map[string]Entry),
		budget: memFactor,
	}
}

// policyDuration derives the ceiling duration available right now, shrinking
// as the store approaches its budget.
func (s *Store) policyDuration() time.Duration {
	used := s.size
	if used >= s.budget {
		return 0
	}
	frac := 1.0 - float64(used)/float64(s.budget)
	d := time.Duration(float64(MaxDuration) * frac)
	if d > MaxDuration {
		d = MaxDuration
	}
	return d
}

// Put stores data under (addr, tag), capping the granted duration at
// min(suggested, policy ceiling). Returns the granted duration in seconds;
// 0 means rejected (no budget left).
func (s *Store) Put(addr kad.Addr, tag string, data []byte, suggested time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ceiling := s.policyDuration()
	granted := suggested
	if granted <= 0 || granted > ceiling {
		granted = ceiling
	}
	if granted <= 0 {
		return 0
	}

	bucket, ok := s.data[addr]
	if !ok {
		bucket = make(map[string]Entry)
		s.data[addr] = bucket
	}
	if _, existed := bucket[tag]; !existed {
		s.size += len(data) + addrFactor
	} else {
		s.size += len(data) - len(bucket[tag].Data)
	}
	bucket[tag] = Entry{Data: data, ExpiresAt: nowFunc().Add(granted)}
	return int(granted / time.Second)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Get returns all non-expired entries for addr, optionally restricted to
// tags. If tags is empty, all tags are returned.
func (s *Store) Get(addr kad.Addr, tags []string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[addr]
	if !ok {
		return nil
	}
	now := nowFunc()
	out := make(map[string][]byte)
	want := func(tag string) bool {
		if len(tags) == 0 {
			return true
		}
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	for tag, e := range bucket {
		if now.After(e.ExpiresAt) {
			continue
		}
		if want(tag) {
			out[tag] = e.Data
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Sweep removes all expired entries, reclaiming their budget. Callers run
// this periodically from the event loop; it is not automatic.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowFunc()
	for addr, bucket := range s.data {
		for tag, e := range bucket {
			if now.After(e.ExpiresAt) {
				s.size -= len(e.Data) + addrFactor
				delete(bucket, tag)
			}
		}
		if len(bucket) == 0 {
			delete(s.data, addr)
		}
	}
}
