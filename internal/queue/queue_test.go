package queue

import (
	"errors"
	"testing"
	"time"

	"exchange-api-governor/internal/clock"
)

func TestEnqueueAndDepth(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(10, clk)

	q.Enqueue(PriorityNormal, "place_order", -1, time.Time{}, nil)
	q.Enqueue(PriorityCritical, "cancel_order", -1, time.Time{}, nil)

	if q.Len() != 2 {
		t.Errorf("Expected 2 queued, got %d", q.Len())
	}
	depth := q.DepthByPriority()
	if depth["critical"] != 1 || depth["normal"] != 1 {
		t.Errorf("Unexpected depth map: %v", depth)
	}
}

func TestPeekHonorsPriorityAndFIFO(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(10, clk)

	hLow, _ := q.Enqueue(PriorityLow, "a", -1, time.Time{}, nil)
	hNorm1, _ := q.Enqueue(PriorityNormal, "b", -1, time.Time{}, nil)
	clk.Advance(time.Millisecond)
	hNorm2, _ := q.Enqueue(PriorityNormal, "c", -1, time.Time{}, nil)

	if head := q.PeekBand(PriorityNormal); head == nil || head.ID != hNorm1.ID {
		t.Error("Normal band head should be the first enqueued")
	}
	if head := q.PeekBand(PriorityLow); head == nil || head.ID != hLow.ID {
		t.Error("Low band head missing")
	}

	// Draining in scheduler order: critical..low, FIFO inside.
	var drained []string
	for _, p := range Priorities() {
		for {
			head := q.PeekBand(p)
			if head == nil {
				break
			}
			q.Pop(head)
			drained = append(drained, head.Endpoint)
		}
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if drained[i] != want[i] {
			t.Fatalf("Drain order %v, want %v", drained, want)
		}
	}
	_ = hNorm2
}

func TestEvictionPrefersLowestOldest(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(2, clk)

	hLow, _ := q.Enqueue(PriorityLow, "low", -1, time.Time{}, nil)
	q.Enqueue(PriorityNormal, "norm", -1, time.Time{}, nil)

	// Queue full: a high-priority arrival evicts the low one.
	if _, err := q.Enqueue(PriorityHigh, "high", -1, time.Time{}, nil); err != nil {
		t.Fatalf("High-priority enqueue rejected: %v", err)
	}

	select {
	case out := <-hLow.Outcome:
		var full *FullError
		if !errors.As(out.Err, &full) {
			t.Errorf("Evicted request resolved with %v, want FullError", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Evicted request never resolved")
	}

	if q.Len() != 2 {
		t.Errorf("Expected queue to remain at capacity, got %d", q.Len())
	}
}

func TestEnqueueRejectsWhenIncomingIsLowest(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(2, clk)

	q.Enqueue(PriorityNormal, "a", -1, time.Time{}, nil)
	q.Enqueue(PriorityNormal, "b", -1, time.Time{}, nil)

	_, err := q.Enqueue(PriorityLow, "c", -1, time.Time{}, nil)
	var full *FullError
	if !errors.As(err, &full) {
		t.Fatalf("Expected FullError for lowest-priority arrival, got %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("Rejected enqueue changed queue size: %d", q.Len())
	}
}

func TestDropExpired(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(10, clk)

	h, _ := q.Enqueue(PriorityNormal, "a", -1, clk.Now().Add(5*time.Second), nil)
	q.Enqueue(PriorityNormal, "b", -1, clk.Now().Add(time.Hour), nil)

	clk.Advance(6 * time.Second)
	if n := q.DropExpired(); n != 1 {
		t.Fatalf("Expected 1 expired, got %d", n)
	}

	select {
	case out := <-h.Outcome:
		var expired *ExpiredError
		if !errors.As(out.Err, &expired) {
			t.Errorf("Expected ExpiredError, got %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expired request never resolved")
	}

	if q.Len() != 1 {
		t.Errorf("Expected 1 remaining, got %d", q.Len())
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(10, clk)

	h, _ := q.Enqueue(PriorityNormal, "a", -1, time.Time{}, nil)

	if !q.Cancel(h.ID) {
		t.Fatal("Cancel of a queued request failed")
	}
	select {
	case out := <-h.Outcome:
		var canceled *CanceledError
		if !errors.As(out.Err, &canceled) {
			t.Errorf("Expected CanceledError, got %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Canceled request never resolved")
	}

	// A second cancel (or one for an unknown id) reports false.
	if q.Cancel(h.ID) {
		t.Error("Cancel of a gone request reported true")
	}
}

func TestSnapshotRequestsOmitsPayload(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	q := New(10, clk)

	q.Enqueue(PriorityHigh, "cancel_order", 3*time.Second, clk.Now().Add(time.Minute), "opaque payload")

	snaps := q.SnapshotRequests()
	if len(snaps) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(snaps))
	}
	s := snaps[0]
	if s.Endpoint != "cancel_order" || s.Priority != int(PriorityHigh) || s.OrderAgeMs != 3000 {
		t.Errorf("Snapshot lost metadata: %+v", s)
	}
}
