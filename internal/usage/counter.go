// Package usage is a minimal in-process API-usage counter, grounded on
// APIUsageCaptureHandler.java from the operator this library's wire format
// was distilled from. The original handler records call volume per site id
// for billing and abuse detection against a storage/export backend; that
// backend, and the site id itself, are server-side concerns the client
// never sees (the advertising token is opaque to the library that issued
// it). What survives here is the in-process accounting concept, keyed by
// which accessor the host called, as a lightweight addition the Lifecycle
// Manager can drive on every token access.
package usage

import "sync"

// Counter tracks the number of calls per accessor operation.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]uint64)}
}

// Record increments the call count for op. A nil Counter is a valid no-op
// receiver, so usage tracking can be left disabled by simply not
// constructing one.
func (c *Counter) Record(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op]++
}

// Snapshot returns a copy of the current per-operation counts.
func (c *Counter) Snapshot() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
