package datastore

import (
	"testing"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	var addr kad.Addr
	addr[0] = 1
	d := s.Put(addr, "x", []byte("hello"), time.Minute)
	if d <= 0 {
		t.Fatalf("Put returned %d, want > 0", d)
	}
	got := s.Get(addr, nil)
	if string(got["x"]) != "hello" {
		t.Errorf("Get = %q, want %q", got["x"], "hello")
	}
}

func TestGetFiltersByTag(t *testing.T) {
	s := New()
	var addr kad.Addr
	s.Put(addr, "a", []byte("1"), time.Minute)
	s.Put(addr, "b", []byte("2"), time.Minute)
	got := s.Get(addr, []string{"a"})
	if len(got) != 1 || string(got["a"]) != "1" {
		t.Errorf("Get with tag filter = %v", got)
	}
}

func TestExpiredEntriesNotReturned(t *testing.T) {
	s := New()
	var addr kad.Addr
	fakeNow := time.Now()
	nowFunc = func() time.Time { return fakeNow }
	defer func() { nowFunc = time.Now }()

	s.Put(addr, "x", []byte("v"), time.Second)
	fakeNow = fakeNow.Add(2 * time.Second)

	if got := s.Get(addr, nil); got != nil {
		t.Errorf("Get after expiry = %v, want nil", got)
	}
}

func TestDurationCappedBySuggested(t *testing.T) {
	s := New()
	var addr kad.Addr
	d := s.Put(addr, "x", []byte("v"), 5*time.Second)
	if d != 5 {
		t.Errorf("granted duration = %d, want 5", d)
	}
}
