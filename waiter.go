package identitycore

// TokenResult is delivered exactly once on the channel returned by
// [Client.GetAdvertisingTokenAsync]: either a usable advertising token, or
// an error (always a *TokenError once the lifecycle reaches a definitive
// negative answer).
type TokenResult struct {
	Token string
	Err   error
}

// waiter is one pending asynchronous token request: a buffered channel so
// resolve/reject never blocks the Lifecycle Manager's single critical
// section, the channel-based analogue of a promise-shaped handle.
type waiter struct {
	ch chan TokenResult
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan TokenResult, 1)}
}

func (w *waiter) resolve(token string) {
	w.ch <- TokenResult{Token: token}
}

func (w *waiter) reject(err error) {
	w.ch <- TokenResult{Err: err}
}

// waiterQueue is the ordered sequence of pending token requests. Drained
// exactly once per entry, in FIFO order.
type waiterQueue struct {
	entries []*waiter
}

func (q *waiterQueue) enqueue(w *waiter) {
	q.entries = append(q.entries, w)
}

func (q *waiterQueue) len() int {
	return len(q.entries)
}

// drainResolve resolves every queued waiter with token, in FIFO order, and
// empties the queue. The Client drains via snapshotWaiters+flush instead;
// this is a convenience exercised directly by waiter_test.go.
func (q *waiterQueue) drainResolve(token string) {
	for _, w := range q.entries {
		w.resolve(token)
	}
	q.entries = nil
}

// drainReject rejects every queued waiter with err, in FIFO order, and
// empties the queue. Same test-only role as drainResolve.
func (q *waiterQueue) drainReject(err error) {
	for _, w := range q.entries {
		w.reject(err)
	}
	q.entries = nil
}
