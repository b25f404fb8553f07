// Package routing implements the Kademlia trie routing table: a binary
// trie of bucket intervals that splits only when at least one local
// node-address falls within the leaf being split.
//
// Grounded on original_source/theseus/routing.py's split/query/reload
// algorithm; each trie node is one struct that is a leaf while its child
// pointers are nil and an internal node once split, matching the
// p2p/discover/table.go bucket-array teacher code's general shape
// (single-owner, event-loop-serial table) but with a genuinely different
// (trie, not flat array) data structure, since the two bucketing schemes
// are not compatible.
package routing

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"

	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/kad"
)

// ErrBucketFull is returned by Insert when the target leaf is at capacity
// and not eligible to split (no local node-address falls in its range).
type bucketFullError struct{}

func (bucketFullError) Error() string { return "routing: bucket full and not splittable" }

var ErrBucketFull error = bucketFullError{}

// node is a trie node: either a leaf holding entries, or an internal node
// with two children split on the next bit of the interval.
type node struct {
	lower, upper kad.Addr // inclusive bounds of this node's interval
	depth        int      // number of leading bits fixed by ancestors

	// leaf fields (nil children means this is a leaf)
	entries []contact.RoutingEntry

	left, right *node
}

func (n *node) isLeaf() bool { return n.left == nil }

// Table is a Kademlia trie routing table rooted at [0, 2^160-1].
type Table struct {
	root        *node
	localAddrs  []kad.Addr
	onLeafEvict func(contact.RoutingEntry)
}

// New constructs an empty table with the given local node-addresses.
func New(localAddrs []kad.Addr) *Table {
	var lo, hi kad.Addr
	for i := range hi {
		hi[i] = 0xFF
	}
	return &Table{
		root:       &node{lower: lo, upper: hi},
		localAddrs: append([]kad.Addr(nil), localAddrs...),
	}
}

// contains reports whether addr falls within [n.lower, n.upper].
func (n *node) contains(addr kad.Addr) bool {
	return !kad.Less(addr, n.lower) && !kad.Less(n.upper, addr)
}

func (t *Table) localInRange(n *node) bool {
	for _, a := range t.localAddrs {
		if n.contains(a) {
			return true
		}
	}
	return false
}

// midBit returns the index of the bit that splits a node at depth into
// its two children: the bit at n.depth distinguishes them.
func midBit(depth int) int { return depth }

func splitBounds(n *node) (loLo, loHi, hiLo, hiHi kad.Addr) {
	bit := midBit(n.depth)
	loLo, loHi, hiLo, hiHi = n.lower, n.upper, n.lower, n.upper
	// left child: bit forced to 0; right child: bit forced to 1.
	setBit := func(a *kad.Addr, bit int, v int) {
		byteIdx := bit / 8
		mask := byte(1) << uint(7-bit%8)
		if v == 1 {
			a[byteIdx] |= mask
		} else {
			a[byteIdx] &^= mask
		}
	}
	// left upper: bit=0, remaining bits = 1 (max within left half)
	setBit(&loHi, bit, 0)
	for b := bit + 1; b < kad.L; b++ {
		setBit(&loHi, b, 1)
	}
	// right lower: bit=1, remaining bits = 0 (min within right half)
	setBit(&hiLo, bit, 1)
	for b := bit + 1; b < kad.L; b++ {
		setBit(&hiLo, b, 0)
	}
	return loLo, loHi, hiLo, hiHi
}

func (n *node) split() {
	loLo, loHi, hiLo, hiHi := splitBounds(n)
	n.left = &node{lower: loLo, upper: loHi, depth: n.depth + 1}
	n.right = &node{lower: hiLo, upper: hiHi, depth: n.depth + 1}
	for _, e := range n.entries {
		if n.left.contains(e.NodeAddr.Addr) {
			n.left.entries = append(n.left.entries, e)
		} else {
			n.right.entries = append(n.right.entries, e)
		}
	}
	n.entries = nil
}

// leafFor descends to the leaf whose interval covers addr.
func (t *Table) leafFor(addr kad.Addr) *node {
	n := t.root
	for !n.isLeaf() {
		if n.left.contains(addr) {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// Insert adds (c, na) to the table. It is idempotent: inserting an
// already-present entry succeeds without modification. Returns
// ErrBucketFull if the target leaf is full and not split-eligible.
func (t *Table) Insert(c contact.Info, na kad.Addr, entry contact.RoutingEntry) error {
	for {
		leaf := t.leafFor(na)
		for _, e := range leaf.entries {
			if e.Contact.Equal(entry.Contact) && e.NodeAddr.Addr == na {
				return nil
			}
		}
		if len(leaf.entries) < kad.K {
			leaf.entries = append(leaf.entries, entry)
			return nil
		}
		if t.localInRange(leaf) {
			leaf.split()
			continue
		}
		return ErrBucketFull
	}
}

// Query returns the m closest distinct contacts to target, ordered by XOR
// distance ascending. A contact contributing multiple entries is
// deduplicated, keeping its closest node-address.
func (t *Table) Query(target kad.Addr, m int) []contact.RoutingEntry {
	all := t.collectAll()
	best := make(map[contactKey]contact.RoutingEntry) // keyed by a stable contact identity
	order := make([]contact.Info, 0, len(all))
	for _, e := range all {
		key := keyFor(e.Contact)
		if existing, ok := best[key]; ok {
			if kad.Less(kad.Distance(e.NodeAddr.Addr, target), kad.Distance(existing.NodeAddr.Addr, target)) {
				best[key] = e
			}
			continue
		}
		best[key] = e
		order = append(order, e.Contact)
	}
	out := make([]contact.RoutingEntry, 0, len(order))
	for _, c := range order {
		out = append(out, best[keyFor(c)])
	}
	sortByDistance(out, target)
	if len(out) > m {
		out = out[:m]
	}
	return out
}

// contactKey is a stable identity for a contact, covering its full
// (host, port, key) tuple — matching contact.Info.Equal — so that two
// contacts sharing a host/port and a key prefix are never conflated.
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

func (t *Table) collectAll() []contact.RoutingEntry {
	var out []contact.RoutingEntry
	var walk func(*node)
	walk = func(n *node) {
		if n.isLeaf() {
			out = append(out, n.entries...)
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(t.root)
	return out
}

func sortByDistance(entries []contact.RoutingEntry, target kad.Addr) {
	// small-n insertion sort keeps the dependency surface to stdlib only
	// for an operation this local; routing tables stay small (k-bounded
	// leaves).
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			di := kad.Distance(entries[j].NodeAddr.Addr, target)
			dj := kad.Distance(entries[j-1].NodeAddr.Addr, target)
			if kad.Less(di, dj) {
				entries[j], entries[j-1] = entries[j-1], entries[j]
			} else {
				break
			}
		}
	}
}

// Reload flattens all current entries, shuffles them with a
// cryptographically seeded RNG to avoid deterministic retention bias,
// resets the trie under newLocalAddrs, and reinserts everything —
// including extraCandidates, previously-rejected entries now worth
// retrying under the new local set.
func (t *Table) Reload(newLocalAddrs []kad.Addr, extraCandidates []contact.RoutingEntry) {
	all := t.collectAll()
	all = append(all, extraCandidates...)
	shuffle(all)

	var lo, hi kad.Addr
	for i := range hi {
		hi[i] = 0xFF
	}
	t.root = &node{lower: lo, upper: hi}
	t.localAddrs = append([]kad.Addr(nil), newLocalAddrs...)

	for _, e := range all {
		_ = t.Insert(e.Contact, e.NodeAddr.Addr, e)
	}
}

func shuffle(entries []contact.RoutingEntry) {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return
	}
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
	r.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
}
