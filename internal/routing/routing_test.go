package routing

import (
	"testing"

	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
)

func addrWithPrefix(b byte, rest byte) kad.Addr {
	var a kad.Addr
	a[0] = b
	for i := 1; i < len(a); i++ {
		a[i] = rest
	}
	return a
}

func entryFor(addr kad.Addr, port uint16) contact.RoutingEntry {
	return contact.RoutingEntry{
		Contact:  contact.Info{Port: port},
		NodeAddr: nodeaddr.NodeAddress{Addr: addr},
	}
}

func TestInsertIdempotent(t *testing.T) {
	var zero kad.Addr
	tbl := New([]kad.Addr{zero})
	e := entryFor(addrWithPrefix(0x10, 0), 1)
	if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
		t.Fatalf("idempotent re-insert: %v", err)
	}
	if got := len(tbl.collectAll()); got != 1 {
		t.Errorf("collectAll len = %d, want 1", got)
	}
}

func TestLeafCapacityEnforcedUnlessSplittable(t *testing.T) {
	// No local addresses in range [0x80,0xFF]: once the leaf covering that
	// range holds k entries, further inserts into it must fail.
	tbl := New([]kad.Addr{addrWithPrefix(0x00, 0)})
	for i := 0; i < kad.K; i++ {
		e := entryFor(addrWithPrefix(0x80, byte(i)), uint16(i))
		if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	e := entryFor(addrWithPrefix(0x80, 9), 9)
	if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != ErrBucketFull {
		t.Errorf("insert beyond capacity with no local addr in range: got %v, want ErrBucketFull", err)
	}
}

func TestSplitOnlyWhenLocalAddrInRange(t *testing.T) {
	// Local address 0x00...0 falls in [0x00,0x7F]; inserting k+1 entries
	// there must succeed via a split.
	tbl := New([]kad.Addr{addrWithPrefix(0x00, 0)})
	for i := 0; i < kad.K+4; i++ {
		e := entryFor(addrWithPrefix(0x00, byte(i+1)), uint16(i))
		if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if got := len(tbl.collectAll()); got != kad.K+4 {
		t.Errorf("collectAll len = %d, want %d", got, kad.K+4)
	}
}

func TestQueryOrdersByDistance(t *testing.T) {
	target := addrWithPrefix(0x00, 0)
	tbl := New([]kad.Addr{target})
	addrs := []kad.Addr{
		addrWithPrefix(0x01, 0),
		addrWithPrefix(0x02, 0),
		addrWithPrefix(0x04, 0),
	}
	for i, a := range addrs {
		e := entryFor(a, uint16(i))
		if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	res := tbl.Query(target, 8)
	if len(res) != 3 {
		t.Fatalf("got %d results, want 3", len(res))
	}
	for i := 1; i < len(res); i++ {
		di := kad.Distance(res[i].NodeAddr.Addr, target)
		dj := kad.Distance(res[i-1].NodeAddr.Addr, target)
		if kad.Less(di, dj) {
			t.Errorf("results not in ascending distance order at index %d", i)
		}
	}
}

func TestQueryDedupesByContactKeepsClosest(t *testing.T) {
	target := addrWithPrefix(0x00, 0)
	tbl := New([]kad.Addr{target})
	c := contact.Info{Port: 42}
	far := entryFor(addrWithPrefix(0x40, 0), 42)
	far.Contact = c
	near := entryFor(addrWithPrefix(0x01, 0), 42)
	near.Contact = c
	if err := tbl.Insert(far.Contact, far.NodeAddr.Addr, far); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(near.Contact, near.NodeAddr.Addr, near); err != nil {
		t.Fatal(err)
	}
	res := tbl.Query(target, 8)
	if len(res) != 1 {
		t.Fatalf("got %d results, want 1 (deduped)", len(res))
	}
	if res[0].NodeAddr.Addr != near.NodeAddr.Addr {
		t.Errorf("kept %x, want closest %x", res[0].NodeAddr.Addr, near.NodeAddr.Addr)
	}
}

func TestReloadPreservesInsertableEntries(t *testing.T) {
	tbl := New([]kad.Addr{addrWithPrefix(0x00, 0)})
	var entries []contact.RoutingEntry
	for i := 0; i < 5; i++ {
		e := entryFor(addrWithPrefix(0x00, byte(i+1)), uint16(i))
		entries = append(entries, e)
		if err := tbl.Insert(e.Contact, e.NodeAddr.Addr, e); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Reload([]kad.Addr{addrWithPrefix(0x00, 0)}, nil)
	if got := len(tbl.collectAll()); got != len(entries) {
		t.Errorf("after reload: got %d entries, want %d", got, len(entries))
	}
}
