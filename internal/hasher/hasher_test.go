package hasher

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
)

func TestArgon2idVector(t *testing.T) {
	var entropy [6]byte // all zero
	ip := net.IPv4(127, 0, 0, 1)
	pre := nodeaddr.NewPreimage(0x69696969, ip, entropy)

	h := New()
	ch := h.Enqueue(context.Background(), pre, 0)
	res := <-ch
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want, err := hex.DecodeString("cd4b1f2c9f94fa0f42d5991bbc9e92c1c3580c73")
	if err != nil {
		t.Fatal(err)
	}
	if len(want) != 20 {
		t.Fatalf("bad test vector length %d", len(want))
	}
	if hex.EncodeToString(res.Addr[:]) != hex.EncodeToString(want) {
		t.Errorf("addr = %x, want %x", res.Addr, want)
	}
}

func TestEnqueueDedupesConcurrentSamePreimage(t *testing.T) {
	var entropy [6]byte
	pre := nodeaddr.NewPreimage(1, net.IPv4(1, 2, 3, 4), entropy)

	h := New()
	const n = 10
	chans := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		chans[i] = h.Enqueue(context.Background(), pre, 0)
	}
	for i := 0; i < n; i++ {
		<-chans[i]
	}
	if h.KDFInvocations != 1 {
		t.Errorf("KDFInvocations = %d, want 1", h.KDFInvocations)
	}
}

func TestPriorityUpgradeDoesNotChangeResult(t *testing.T) {
	var entropy [6]byte
	pre := nodeaddr.NewPreimage(2, net.IPv4(5, 6, 7, 8), entropy)

	h := New()
	low := h.Enqueue(context.Background(), pre, 0)
	high := h.Enqueue(context.Background(), pre, 10)

	r1 := <-low
	r2 := <-high
	if r1.Addr != r2.Addr {
		t.Errorf("results differ after priority upgrade: %x != %x", r1.Addr, r2.Addr)
	}
}

func TestCheckExpiredTimestamp(t *testing.T) {
	var entropy [6]byte
	oldTS := uint32(time.Now().Add(-24 * time.Hour).Unix())
	pre := nodeaddr.NewPreimage(oldTS, net.IPv4(1, 1, 1, 1), entropy)

	h := New()
	_, err := h.Check(context.Background(), kad.Addr{}, pre, 0)
	if err == nil {
		t.Fatal("expected expired-timestamp error")
	}
}
