package identitycore

import (
	"errors"

	"github.com/uid2/identitycore/internal/audit"
	"github.com/uid2/identitycore/internal/usage"
)

// Builder configures a Client's injected external collaborators (Transport,
// CookieJar, Clock) plus the ambient stack (Metrics, an audit Sink, usage
// tracking). Config itself —
// the callback, the initial identity, the retry/base-URL/cookie knobs — is
// supplied separately to Client.Init, not to the Builder; the Builder wires
// the instance, Init starts its one lifecycle run.
//
// Builder instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Builder struct {
	clock     Clock
	transport Transport
	cookieJar CookieJar

	metricsEnabled bool
	auditConfig    audit.Config
	auditSink      audit.Sink
	usageEnabled   bool

	built bool
}

// New returns a Builder with production defaults: a real clock, an
// http.DefaultClient-backed transport, and an in-memory cookie jar. Hosts
// running in a browser-embedded context override WithCookieJar with a
// document.cookie-backed implementation; this package ships only the
// in-memory one.
func New() *Builder {
	return &Builder{
		clock:          RealClock{},
		transport:      NewHTTPTransport(nil),
		cookieJar:      NewMemoryCookieJar(),
		metricsEnabled: true,
	}
}

// WithClock overrides the Clock collaborator. Tests use this to advance
// time deterministically instead of waiting on real timers.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithTransport overrides the Transport collaborator. Tests use this to
// script refresh RPC responses without a network.
func (b *Builder) WithTransport(transport Transport) *Builder {
	b.transport = transport
	return b
}

// WithCookieJar overrides the CookieJar collaborator.
func (b *Builder) WithCookieJar(jar CookieJar) *Builder {
	b.cookieJar = jar
	return b
}

// WithMetricsEnabled toggles counter collection. Enabled by default.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.metricsEnabled = enabled
	return b
}

// WithAuditSink attaches a Sink that receives one AuditEvent per externally
// observable lifecycle transition, independent of the host's Callback.
// bufferSize is the dispatcher's internal channel capacity; dropIfFull
// controls whether a saturated buffer drops new events or blocks the
// transition that produced them.
func (b *Builder) WithAuditSink(sink AuditSink, bufferSize int, dropIfFull bool) *Builder {
	b.auditSink = sink
	b.auditConfig = audit.Config{
		Enabled:    true,
		BufferSize: bufferSize,
		DropIfFull: dropIfFull,
	}
	return b
}

// WithUsageTracking enables the per-accessor API-usage counter exposed via
// Client.UsageSnapshot.
func (b *Builder) WithUsageTracking(enabled bool) *Builder {
	b.usageEnabled = enabled
	return b
}

// Build validates the collaborators and returns a Client ready for exactly
// one call to Init.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, errors.New("identitycore: builder already used")
	}
	b.built = true

	if b.clock == nil {
		return nil, errors.New("identitycore: clock is required")
	}
	if b.transport == nil {
		return nil, errors.New("identitycore: transport is required")
	}
	if b.cookieJar == nil {
		return nil, errors.New("identitycore: cookie jar is required")
	}

	var metrics *Metrics
	if b.metricsEnabled {
		metrics = NewMetrics()
	}

	var usageCounter *usage.Counter
	if b.usageEnabled {
		usageCounter = usage.NewCounter()
	}

	client := &Client{
		clock:     b.clock,
		transport: b.transport,
		cookieJar: b.cookieJar,
		metrics:   metrics,
		dispatch:  audit.NewDispatcher(b.auditConfig, b.auditSink),
		usage:     usageCounter,
	}

	return client, nil
}
