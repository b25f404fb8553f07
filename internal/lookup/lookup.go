// Package lookup implements the iterative multi-path Kademlia lookup:
// parallel-path address lookups with seen-set deduplication, candidate
// selection, and result-set merging.
//
// Grounded on original_source/theseus/lookup.py's path/backoff/merge
// algorithm; the Deferred-based retry loop there maps to a context-driven
// loop with a channel-based cancel handle here, per spec.md §9.
package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/kad"
)

// Parameters, per spec.md §4.7.
const (
	NumPaths     = kad.K / 2
	PathWidth    = 2
	QueryTimeout = 5 * time.Second
	NumPeers     = kad.K
	SeenSetCap   = 10000
)

// Backoff schedule for the startup retry loop: 0, 5, 10, ..., 30s.
var BackoffSchedule = []time.Duration{
	0, 5 * time.Second, 10 * time.Second, 15 * time.Second,
	20 * time.Second, 25 * time.Second, 30 * time.Second,
}

// ErrRetriesExceeded is returned when the routing table never yields
// enough starting candidates within BackoffSchedule.
var ErrRetriesExceeded = errors.New("lookup: retries exceeded")

// ErrCancelled is returned to all pending waiters of a cancelled lookup.
var ErrCancelled = errors.New("lookup: cancelled")

// ErrSeenSetOverflow is the internal failure signal raised when the shared
// seen set exceeds SeenSetCap entries in a single run.
var ErrSeenSetOverflow = errors.New("lookup: seen set exceeded capacity")

// RoutingTable is the subset of *routing.Table the lookup engine consumes.
type RoutingTable interface {
	Query(target kad.Addr, m int) []contact.RoutingEntry
}

// Finder fires one outbound `find` query against a contact and decodes its
// response into routing entries.
type Finder interface {
	Find(ctx context.Context, c contact.Info, target kad.Addr) ([]contact.RoutingEntry, error)
}

// Lookup runs one multi-path iterative lookup for Target.
type Lookup struct {
	Target    kad.Addr
	Routing   RoutingTable
	Finder    Finder
	Blacklist func(contact.Info) bool
	Self      contact.Info

	seenMu sync.Mutex
	seen   map[contactKey]struct{}
}

// contactKey is a stable identity for a contact, covering its full
// (host, port, key) tuple — matching contact.Info.Equal — so that two
// contacts sharing a host/port and a key prefix are never conflated by the
// seen-set or result-merging dedup below.
type contactKey [4 + 2 + 32]byte

func keyFor(c contact.Info) contactKey {
	var k contactKey
	h := c.HostKey()
	copy(k[0:4], h[:])
	k[4] = byte(c.Port >> 8)
	k[5] = byte(c.Port)
	copy(k[6:], c.Key[:])
	return k
}

func (l *Lookup) markSeen(c contact.Info) (bool, error) {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	if l.seen == nil {
		l.seen = make(map[contactKey]struct{})
	}
	k := keyFor(c)
	if _, ok := l.seen[k]; ok {
		return false, nil
	}
	if len(l.seen) >= SeenSetCap {
		return false, ErrSeenSetOverflow
	}
	l.seen[k] = struct{}{}
	return true, nil
}

func (l *Lookup) wasSeen(c contact.Info) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	_, ok := l.seen[keyFor(c)]
	return ok
}

func (l *Lookup) isBlacklisted(c contact.Info) bool {
	return l.Blacklist != nil && l.Blacklist(c)
}

// Start runs the lookup to completion: it spawns NumPaths concurrent paths
// over the starting set (lookup.py:76's
// "paths = [self.lookup_path(starting_set, i) for i in range(num_paths)]"
// fanned out via DeferredList) and merges their results. It either returns
// ≤ NumPeers results sorted by ascending distance to Target, or fails with
// ErrRetriesExceeded or ErrCancelled (or ErrSeenSetOverflow as the internal
// safety-cap signal).
func (l *Lookup) Start(ctx context.Context) ([]contact.RoutingEntry, error) {
	starting, err := l.awaitStartingSet(ctx)
	if err != nil {
		return nil, err
	}

	numPaths := NumPaths
	if want := (len(starting) + PathWidth - 1) / PathWidth; want < numPaths {
		numPaths = want
	}
	if numPaths < 1 {
		numPaths = 1
	}

	var wg sync.WaitGroup
	resCh := make(chan []contact.RoutingEntry, numPaths)
	errCh := make(chan error, numPaths)
	for i := 0; i < numPaths; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := l.runPath(ctx, starting)
			if err != nil {
				errCh <- err
				return
			}
			resCh <- results
		}()
	}
	wg.Wait()
	close(resCh)
	close(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}

	var all []contact.RoutingEntry
	for results := range resCh {
		all = append(all, results...)
	}
	return finalize(all, l.Target, l.Self, l.Blacklist), nil
}

// awaitStartingSet queries the local routing table, retrying at the
// absolute times in BackoffSchedule until NumPaths*PathWidth candidates are
// available or the schedule is exhausted. Each iteration sleeps only the
// delta since the previous attempt, so attempts land at t=0, 5, 10, ...,
// 30s rather than re-accumulating the listed durations from scratch.
func (l *Lookup) awaitStartingSet(ctx context.Context) ([]contact.RoutingEntry, error) {
	want := NumPaths * PathWidth
	var elapsed time.Duration
	for _, at := range BackoffSchedule {
		if delta := at - elapsed; delta > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(delta):
			}
		}
		elapsed = at
		entries := l.Routing.Query(l.Target, want)
		if len(entries) >= want {
			return entries, nil
		}
	}
	return nil, ErrRetriesExceeded
}

// runPath performs one recursive path iteration per spec.md §4.7 steps 1-7.
func (l *Lookup) runPath(ctx context.Context, lookupSet []contact.RoutingEntry) ([]contact.RoutingEntry, error) {
	// Step 1-2: filter and keep closest node-address per contact.
	byContact := closestPerContact(lookupSet, l.Target)
	var candidates []contact.RoutingEntry
	for _, e := range byContact {
		if l.wasSeen(e.Contact) || l.isBlacklisted(e.Contact) || e.Contact.Equal(l.Self) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return lookupSet, nil
	}

	// Claim up to PathWidth of the closest candidates in the shared seen
	// set; a contact another path claimed first is skipped.
	sortByDistance(candidates, l.Target)
	var claimed []contact.RoutingEntry
	for _, c := range candidates {
		if len(claimed) == PathWidth {
			break
		}
		fresh, err := l.markSeen(c.Contact)
		if err != nil {
			return nil, err
		}
		if fresh {
			claimed = append(claimed, c)
		}
	}
	if len(claimed) == 0 {
		return lookupSet, nil
	}
	candidates = claimed

	var wg sync.WaitGroup
	resCh := make(chan []contact.RoutingEntry, len(candidates))
	for _, c := range candidates {
		wg.Add(1)
		go func(c contact.Info) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, QueryTimeout)
			defer cancel()
			entries, err := l.Finder.Find(qctx, c, l.Target)
			if err != nil {
				return
			}
			resCh <- entries
		}(c.Contact)
	}
	wg.Wait()
	close(resCh)

	var found []contact.RoutingEntry
	for entries := range resCh {
		found = append(found, entries...)
	}

	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	recursed, err := l.runPath(ctx, found)
	if err != nil {
		return nil, err
	}
	if len(recursed) < NumPeers {
		recursed = append(recursed, lookupSet...)
	}
	return recursed, nil
}

func closestPerContact(entries []contact.RoutingEntry, target kad.Addr) []contact.RoutingEntry {
	best := make(map[contactKey]contact.RoutingEntry)
	order := make([]contact.Info, 0, len(entries))
	for _, e := range entries {
		k := keyFor(e.Contact)
		if existing, ok := best[k]; ok {
			if kad.Less(kad.Distance(e.NodeAddr.Addr, target), kad.Distance(existing.NodeAddr.Addr, target)) {
				best[k] = e
			}
			continue
		}
		best[k] = e
		order = append(order, e.Contact)
	}
	out := make([]contact.RoutingEntry, 0, len(order))
	for _, c := range order {
		out = append(out, best[keyFor(c)])
	}
	return out
}

func sortByDistance(entries []contact.RoutingEntry, target kad.Addr) {
	sort.Slice(entries, func(i, j int) bool {
		return kad.Less(kad.Distance(entries[i].NodeAddr.Addr, target), kad.Distance(entries[j].NodeAddr.Addr, target))
	})
}

func finalize(entries []contact.RoutingEntry, target kad.Addr, self contact.Info, blacklist func(contact.Info) bool) []contact.RoutingEntry {
	deduped := closestPerContact(entries, target)
	var out []contact.RoutingEntry
	for _, e := range deduped {
		if e.Contact.Equal(self) {
			continue
		}
		if blacklist != nil && blacklist(e.Contact) {
			continue
		}
		out = append(out, e)
	}
	sortByDistance(out, target)
	if len(out) > NumPeers {
		out = out[:NumPeers]
	}
	return out
}
