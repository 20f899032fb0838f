package dispatch

import (
	"testing"
	"time"
)

func TestReadyQueue_OrderAndDedup(t *testing.T) {
	q := NewReadyQueue()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push("b", base.Add(2*time.Second))
	q.Push("a", base.Add(time.Second))
	if changed := q.Push("b", base.Add(5*time.Second)); changed {
		t.Fatalf("later time must not replace an earlier one")
	}
	if changed := q.Push("b", base); !changed {
		t.Fatalf("earlier time should move the item up")
	}
	if q.Len() != 2 {
		t.Fatalf("len=%d want 2", q.Len())
	}
	if _, ok := q.PopDue(base.Add(-time.Second)); ok {
		t.Fatalf("nothing is due yet")
	}
	id, ok := q.PopDue(base.Add(10 * time.Second))
	if !ok || id != "b" {
		t.Fatalf("first=%q want b", id)
	}
	next, _ := q.Next()
	if !next.Equal(base.Add(time.Second)) {
		t.Fatalf("next=%s", next)
	}
	id, _ = q.PopDue(base.Add(10 * time.Second))
	if id != "a" || q.Len() != 0 {
		t.Fatalf("second=%q len=%d", id, q.Len())
	}
	select {
	case <-q.Notify():
	default:
		t.Fatalf("push should signal notify")
	}
}

func TestRetryPolicy_MonotoneAndCapped(t *testing.T) {
	// worst case for monotonicity: maximum jitter, then none
	flip := true
	r := RetryPolicy{Base: time.Second, Max: time.Minute, Jitter: 5, Rand: func() float64 {
		flip = !flip
		if flip {
			return 0
		}
		return 0.999999
	}}
	prev := time.Duration(0)
	for n := 1; n <= 12; n++ {
		d := r.Delay(n)
		if d < prev {
			t.Fatalf("delay(%d)=%s < delay(%d)=%s", n, d, n-1, prev)
		}
		if d > time.Minute {
			t.Fatalf("delay(%d)=%s over cap", n, d)
		}
		prev = d
	}
	if d := (RetryPolicy{Base: time.Second, Max: time.Minute}).Delay(3); d != 4*time.Second {
		t.Fatalf("delay(3)=%s want 4s", d)
	}
	if d := (RetryPolicy{Base: time.Second, Max: time.Minute}).Delay(0); d != time.Second {
		t.Fatalf("delay(0)=%s want base", d)
	}
}
