package identitycore

import (
	"errors"
	"testing"
)

func TestWaiterQueueDrainResolveFIFO(t *testing.T) {
	var q waiterQueue
	var waiters []*waiter
	for i := 0; i < 3; i++ {
		w := newWaiter()
		q.enqueue(w)
		waiters = append(waiters, w)
	}
	if q.len() != 3 {
		t.Fatalf("got len %d, want 3", q.len())
	}

	q.drainResolve("tok")
	if q.len() != 0 {
		t.Fatalf("queue not emptied after drain, len=%d", q.len())
	}
	for i, w := range waiters {
		r := <-w.ch
		if r.Token != "tok" || r.Err != nil {
			t.Fatalf("waiter %d got %+v", i, r)
		}
	}
}

func TestWaiterQueueDrainReject(t *testing.T) {
	var q waiterQueue
	w := newWaiter()
	q.enqueue(w)

	sentinel := errors.New("boom")
	q.drainReject(sentinel)

	r := <-w.ch
	if !errors.Is(r.Err, sentinel) {
		t.Fatalf("got %v, want %v", r.Err, sentinel)
	}
}

func TestWaiterResolveDeliversExactlyOnce(t *testing.T) {
	w := newWaiter()
	w.resolve("tok")
	r := <-w.ch
	if r.Token != "tok" {
		t.Fatalf("got %q, want tok", r.Token)
	}
	select {
	case extra := <-w.ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}
