package identitycore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/uid2/identitycore/internal/audit"
	"github.com/uid2/identitycore/internal/usage"
)

// Client is the Lifecycle Manager: it owns the current envelope, the
// refresh timer, the waiter queue, and the cookie mirror. All of its state
// is guarded by one mutex, so every public method runs as a single
// uninterrupted transition — the only real concurrency is the refresh RPC
// running on its own goroutine and reporting back through
// handleRefreshOutcome.
//
// A Client is constructed by a Builder and is not reusable across Init
// calls: Init is one-shot per instance.
type Client struct {
	mu sync.Mutex

	clock     Clock
	transport Transport
	cookieJar CookieJar
	metrics   *Metrics
	dispatch  *audit.Dispatcher
	usage     *usage.Counter

	cfg Config

	initialized  bool
	disconnected bool

	envelope        *Envelope
	refreshInFlight bool
	terminal        *TokenError

	waiters waiterQueue
	timer   *time.Timer
}

// pendingEmit is the work a transition leaves to run after the mutex is
// released: the host callback (if any fires for this transition) followed
// by the waiter drain. Both run outside the critical section so that
// host code re-entering the Client from the callback never deadlocks.
type pendingEmit struct {
	payload   *CallbackPayload
	event     *audit.Event
	waiters   []*waiter
	token     string
	rejectErr error
	resolve   bool
}

func (c *Client) flush(p pendingEmit) {
	if p.payload != nil {
		c.safeCallback(*p.payload)
	}
	if p.event != nil && c.dispatch != nil {
		c.dispatch.Emit(context.Background(), *p.event)
	}
	for _, w := range p.waiters {
		if p.resolve {
			w.resolve(p.token)
			c.metrics.Inc(MetricWaiterResolved)
		} else {
			w.reject(p.rejectErr)
			c.metrics.Inc(MetricWaiterRejected)
		}
	}
}

func (c *Client) safeCallback(payload CallbackPayload) {
	if c.cfg.Callback == nil {
		return
	}
	c.cfg.Callback(payload)
}

func (c *Client) buildPayload(status Status) CallbackPayload {
	token := ""
	var identity *Envelope
	if c.envelope != nil {
		token = c.envelope.AdvertisingToken
		identity = c.envelope
	}
	return CallbackPayload{
		AdvertisingTokenSnake: token,
		AdvertisingToken:      token,
		Status:                status,
		StatusText:            status.String(),
		Identity:              identity,
	}
}

func (c *Client) auditEvent(from, to, status string, errMsg string) *audit.Event {
	if c.dispatch == nil {
		return nil
	}
	return &audit.Event{
		Timestamp: c.clock.Now(),
		Status:    status,
		FromState: from,
		ToState:   to,
		Error:     errMsg,
	}
}

// snapshotWaiters detaches the current waiter queue for draining outside
// the lock, leaving the queue empty.
func (c *Client) snapshotWaiters() []*waiter {
	w := c.waiters.entries
	c.waiters.entries = nil
	return w
}

// Init is the one-shot entry point that adopts an identity, establishes or
// rejects it, and arms the refresh timer. It must be called exactly once
// per Client.
func (c *Client) Init(cfg Config) error {
	c.mu.Lock()

	if c.initialized || c.disconnected {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}

	normalized, err := cfg.normalized()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.cfg = normalized
	c.initialized = true
	c.metrics.Inc(MetricInit)

	now := c.clock.Now()
	candidate := normalized.Identity
	if candidate == nil {
		if raw, ok := c.cookieJar.Get(); ok {
			if e, decodeErr := decodeCookieValue(raw); decodeErr == nil && e.valid() && e.newerThan(c.envelope) {
				candidate = e
			}
		}
	}
	c.envelope = candidate

	cls, refreshDue := classify(candidate, now)

	var pending pendingEmit
	switch cls {
	case classNoIdentity:
		c.terminal = ErrInitFailed
		c.metrics.Inc(MetricNoIdentity)
		pending = c.terminalPending("INITIALISING", StatusNoIdentity, ErrInitFailed)
	case classInvalid:
		c.terminal = ErrInitFailed
		c.metrics.Inc(MetricInvalid)
		pending = c.terminalPending("INITIALISING", StatusInvalid, ErrInitFailed)
	case classRefreshExpired:
		c.terminal = ErrInitFailed
		c.cookieJar.Clear()
		c.metrics.Inc(MetricRefreshExpired)
		pending = c.terminalPending("INITIALISING", StatusRefreshExpired, ErrInitFailed)
	case classExpired:
		c.startRefreshLocked(now)
	case classEstablished:
		if refreshDue {
			c.startRefreshLocked(now)
		} else {
			c.metrics.Inc(MetricEstablished)
			c.writeCookieLocked()
			c.armTimerLocked(candidate.RefreshFrom)
			pending = c.successPending("INITIALISING", StatusEstablished)
		}
	}

	c.mu.Unlock()
	c.flush(pending)
	return nil
}

// terminalPending builds the callback+drain-with-rejection pending work for
// a transition into UNAVAILABLE. Must be called while the lock is held;
// the returned value is flushed after unlocking.
func (c *Client) terminalPending(from string, status Status, rejectErr *TokenError) pendingEmit {
	payload := c.buildPayload(status)
	event := c.auditEvent(from, "UNAVAILABLE", status.String(), rejectErr.Error())
	return pendingEmit{
		payload:   &payload,
		event:     event,
		waiters:   c.snapshotWaiters(),
		rejectErr: rejectErr,
		resolve:   false,
	}
}

// successPending builds the callback+drain-with-resolution pending work for
// a transition into ESTABLISHED. Must be called while the lock is held.
func (c *Client) successPending(from string, status Status) pendingEmit {
	payload := c.buildPayload(status)
	event := c.auditEvent(from, "ESTABLISHED", status.String(), "")
	return pendingEmit{
		payload: &payload,
		event:   event,
		waiters: c.snapshotWaiters(),
		token:   c.envelope.AdvertisingToken,
		resolve: true,
	}
}

// writeCookieLocked mirrors the current envelope into the cookie jar.
// Failures are logged and swallowed; the core continues to operate in
// memory even if the cookie mirror falls behind.
func (c *Client) writeCookieLocked() {
	if c.envelope == nil {
		return
	}
	value, err := encodeCookieValue(c.envelope)
	if err != nil {
		log.Printf("identitycore: encode cookie: %v", err)
		return
	}
	c.cookieJar.Set(value, c.envelope.RefreshExpires)
}

// armTimerLocked schedules the next background refresh at target, clamped
// to fire immediately if target has already passed.
func (c *Client) armTimerLocked(target time.Time) {
	c.cancelTimerLocked()
	d := target.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	c.timer = time.AfterFunc(d, c.onTimerFire)
}

// armRetryTimerLocked schedules the next refresh attempt after a failed
// RPC, at the configured retry period.
func (c *Client) armRetryTimerLocked() {
	c.cancelTimerLocked()
	c.timer = time.AfterFunc(c.cfg.RefreshRetryPeriod, c.onTimerFire)
}

func (c *Client) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onTimerFire is the timer callback. A refresh already in flight, or a
// disconnected instance, makes it a no-op.
func (c *Client) onTimerFire() {
	c.mu.Lock()
	if c.disconnected || c.refreshInFlight || c.envelope == nil {
		c.mu.Unlock()
		return
	}
	c.startRefreshLocked(c.clock.Now())
	c.mu.Unlock()
}

// startRefreshLocked marks a refresh in flight and dispatches the RPC on
// its own goroutine. The current envelope's refresh credentials are copied
// out so the goroutine touches no Client-owned memory without the lock.
func (c *Client) startRefreshLocked(now time.Time) {
	if c.envelope == nil {
		return
	}
	c.cancelTimerLocked()
	c.refreshInFlight = true
	c.metrics.Inc(MetricRefreshAttempt)

	refreshToken := c.envelope.RefreshToken
	key := append([]byte(nil), c.envelope.RefreshResponseKey...)
	baseURL := c.cfg.BaseURL
	transport := c.transport

	go func() {
		outcome := runRefresh(context.Background(), transport, baseURL, refreshToken, key)
		c.handleRefreshOutcome(outcome)
	}()
}

// refreshOutcomeKind is the normalized result of one refresh RPC attempt.
type refreshOutcomeKind int

const (
	outcomeSuccess refreshOutcomeKind = iota
	outcomeOptOut
	outcomeExpired
	outcomeError
)

type refreshOutcome struct {
	kind          refreshOutcomeKind
	envelope      *Envelope
	decodeFailure bool
}

// runRefresh performs the refresh RPC and decodes its response. Any
// network or HTTP-body failure normalizes to outcomeError; a failure to
// decrypt or parse the response body is also outcomeError but flagged
// decodeFailure so the caller can count it distinctly from a transport or
// protocol-level failure. Internal errors never surface as a distinct
// error kind to the host either way.
func runRefresh(ctx context.Context, transport Transport, baseURL, refreshToken string, key []byte) refreshOutcome {
	resp, err := transport.Refresh(ctx, baseURL, refreshToken)
	if err != nil {
		return refreshOutcome{kind: outcomeError}
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return refreshOutcome{kind: outcomeError}
	}
	decoded, err := decodeRefreshResponse(body, key)
	if err != nil {
		return refreshOutcome{kind: outcomeError, decodeFailure: true}
	}
	switch decoded.Status {
	case refreshStatusSuccess:
		if decoded.Body == nil {
			return refreshOutcome{kind: outcomeError}
		}
		env, err := decoded.Body.toEnvelope()
		if err != nil {
			return refreshOutcome{kind: outcomeError}
		}
		return refreshOutcome{kind: outcomeSuccess, envelope: env}
	case refreshStatusOptOut:
		return refreshOutcome{kind: outcomeOptOut}
	case refreshStatusExpiredToken, refreshStatusInvalidToken:
		// invalid_token is treated as equivalent to expired_token: the
		// client's only recourse in either case is the same terminal
		// REFRESH_EXPIRED transition, not a distinct recovery path.
		return refreshOutcome{kind: outcomeExpired}
	default:
		return refreshOutcome{kind: outcomeError}
	}
}

// handleRefreshOutcome applies the result of a refresh RPC to the current
// state. It discards the outcome silently if the instance was disconnected
// while the RPC was in flight.
func (c *Client) handleRefreshOutcome(outcome refreshOutcome) {
	c.mu.Lock()

	if c.disconnected {
		c.mu.Unlock()
		return
	}

	now := c.clock.Now()
	c.refreshInFlight = false

	var pending pendingEmit
	switch outcome.kind {
	case outcomeSuccess:
		c.envelope = outcome.envelope
		c.metrics.Inc(MetricRefreshSuccess)
		c.metrics.Inc(MetricRefreshed)
		c.writeCookieLocked()
		c.armTimerLocked(outcome.envelope.RefreshFrom)
		pending = c.successPending("REFRESHING", StatusRefreshed)

	case outcomeOptOut:
		c.terminal = ErrOptOut
		c.cookieJar.Clear()
		c.cancelTimerLocked()
		c.metrics.Inc(MetricOptOut)
		pending = c.terminalPending("REFRESHING", StatusOptOut, ErrOptOut)

	case outcomeExpired:
		c.terminal = ErrRefreshExpired
		c.cookieJar.Clear()
		c.cancelTimerLocked()
		c.metrics.Inc(MetricRefreshExpired)
		pending = c.terminalPending("REFRESHING", StatusRefreshExpired, ErrRefreshExpired)

	case outcomeError:
		c.metrics.Inc(MetricRefreshError)
		if outcome.decodeFailure {
			c.metrics.Inc(MetricDecodeFailure)
		}
		switch {
		case tokenReturnable(c.envelope, now):
			// The prior token is still usable: stay ESTABLISHED silently
			// and retry on the next timer tick, but still drain any
			// waiters that queued while the refresh was in flight — they
			// can be served by the current token.
			c.armRetryTimerLocked()
			pending = pendingEmit{
				waiters: c.snapshotWaiters(),
				token:   c.envelope.AdvertisingToken,
				resolve: true,
			}
		case classifyIsExpiredRecoverable(c.envelope, now):
			// The token has expired but the refresh token hasn't: surface
			// EXPIRED and keep retrying on the timer rather than giving up.
			c.metrics.Inc(MetricExpired)
			c.armRetryTimerLocked()
			payload := c.buildPayload(StatusExpired)
			event := c.auditEvent("REFRESH_IN_FLIGHT_WITH_EXPIRED_TOKEN", "UNAVAILABLE", StatusExpired.String(), "")
			pending = pendingEmit{
				payload:   &payload,
				event:     event,
				waiters:   c.snapshotWaiters(),
				rejectErr: ErrTemporarilyUnavailable,
				resolve:   false,
			}
		default:
			// Neither the token nor the refresh token is usable anymore:
			// refresh_expires has passed, so this is terminal.
			c.terminal = ErrRefreshExpired
			c.cookieJar.Clear()
			c.cancelTimerLocked()
			c.metrics.Inc(MetricRefreshExpired)
			pending = c.terminalPending("REFRESH_IN_FLIGHT_WITH_EXPIRED_TOKEN", StatusRefreshExpired, ErrRefreshExpired)
		}
	}

	c.mu.Unlock()
	c.flush(pending)
}

// classifyIsExpiredRecoverable reports whether e is past identity_expires
// but still short of refresh_expires.
func classifyIsExpiredRecoverable(e *Envelope, now time.Time) bool {
	cls, _ := classify(e, now)
	return cls == classExpired
}

// effectiveTerminalLocked returns the TokenError a waiter should be
// rejected with, checking the sticky terminal flag first and falling back
// to a live reclassification so a fake clock jumped far past
// refresh_expires is still caught without waiting on the timer. Must be
// called while the lock is held.
func (c *Client) effectiveTerminalLocked(now time.Time) *TokenError {
	if c.terminal != nil {
		return c.terminal
	}
	if cls, _ := classify(c.envelope, now); cls == classRefreshExpired {
		return ErrRefreshExpired
	}
	return nil
}

// GetAdvertisingToken is the synchronous accessor: it returns the current
// token immediately if one is returnable, never triggering I/O or a
// refresh.
func (c *Client) GetAdvertisingToken() (string, bool) {
	c.usage.Record("get_advertising_token")

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || c.disconnected {
		return "", false
	}
	now := c.clock.Now()
	if tokenReturnable(c.envelope, now) {
		return c.envelope.AdvertisingToken, true
	}
	return "", false
}

// GetAdvertisingTokenAsync returns a channel that receives exactly one
// TokenResult, the channel-based analogue of a promise handle. A refresh in
// flight (or init not yet having run) always queues the caller, even if the
// prior token is still technically returnable: once a refresh has started,
// a waiter must observe the refreshed token, not the stale one it is about
// to supersede.
func (c *Client) GetAdvertisingTokenAsync() <-chan TokenResult {
	c.usage.Record("get_advertising_token_async")

	c.mu.Lock()

	w := newWaiter()

	if c.disconnected {
		c.mu.Unlock()
		c.metrics.Inc(MetricWaiterRejected)
		w.reject(ErrDisconnected)
		return w.ch
	}

	now := c.clock.Now()

	switch {
	case !c.initialized || c.refreshInFlight:
		c.waiters.enqueue(w)
		c.metrics.Inc(MetricWaiterQueued)
		c.mu.Unlock()

	case tokenReturnable(c.envelope, now):
		token := c.envelope.AdvertisingToken
		c.mu.Unlock()
		c.metrics.Inc(MetricWaiterResolved)
		w.resolve(token)

	default:
		rejectErr := c.effectiveTerminalLocked(now)
		if rejectErr == nil {
			rejectErr = ErrTemporarilyUnavailable
		}
		c.mu.Unlock()
		c.metrics.Inc(MetricWaiterRejected)
		w.reject(rejectErr)
	}

	return w.ch
}

// IsLoginRequired reports true iff no valid envelope is available and a
// refresh is not currently in flight.
func (c *Client) IsLoginRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return true
	}
	if c.refreshInFlight {
		return false
	}
	now := c.clock.Now()
	if c.effectiveTerminalLocked(now) != nil || c.envelope == nil {
		return true
	}
	return false
}

// Disconnect is the terminal teardown operation: it cancels the timer,
// clears the cookie, rejects every queued waiter, and moves the instance to
// DISCONNECTED. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.cancelTimerLocked()
	c.cookieJar.Clear()
	waiters := c.snapshotWaiters()
	c.mu.Unlock()

	for _, w := range waiters {
		c.metrics.Inc(MetricWaiterRejected)
		w.reject(ErrDisconnected)
	}
}

// Abort cancels the refresh timer only, with no cookie clear and no waiter
// drain. Intended for host teardown in tests.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked()
}

// MetricsSnapshot returns a point-in-time copy of every transition/refresh
// counter. Safe to call whether or not metrics collection is enabled: a
// disabled collector yields an empty snapshot rather than panicking.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// UsageSnapshot returns a point-in-time copy of the per-accessor call
// counts, when usage tracking was enabled via Builder.WithUsageTracking.
// Returns an empty map otherwise.
func (c *Client) UsageSnapshot() map[string]uint64 {
	return c.usage.Snapshot()
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher's buffer was full and WithAuditSink was configured with
// dropIfFull. Returns 0 when no audit sink is configured.
func (c *Client) AuditDropped() uint64 {
	return c.dispatch.Dropped()
}
