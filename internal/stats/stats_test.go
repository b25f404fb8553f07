package stats

import (
	"testing"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
)

func TestEstimateSizeGrowsAsDistanceShrinks(t *testing.T) {
	tr := New()
	var far kad.Addr
	far[0] = 0x80 // half the keyspace
	tr.Observe(far)
	farEstimate := tr.EstimateSize()

	tr2 := New()
	var near kad.Addr
	near[19] = 0x01 // tiny distance
	tr2.Observe(near)
	nearEstimate := tr2.EstimateSize()

	if !(nearEstimate > farEstimate) {
		t.Errorf("nearEstimate=%v should exceed farEstimate=%v", nearEstimate, farEstimate)
	}
}

func TestObservationsExpireOutsideWindow(t *testing.T) {
	tr := New()
	fakeNow := time.Now()
	tr.now = func() time.Time { return fakeNow }

	var addr kad.Addr
	addr[19] = 1
	tr.Observe(addr)
	if tr.EstimateSize() == 0 {
		t.Fatal("expected nonzero estimate right after observing")
	}

	fakeNow = fakeNow.Add(2 * Window)
	if got := tr.EstimateSize(); got != 0 {
		t.Errorf("EstimateSize after window expiry = %v, want 0", got)
	}
}
