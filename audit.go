package identitycore

import (
	"io"

	"github.com/uid2/identitycore/internal/audit"
)

// AuditEvent and AuditSink are thin re-exports of the internal/audit
// package, the way the teacher keeps dispatch machinery under internal/
// while surfacing only the types a host needs to wire a sink through
// Builder.WithAuditSink.
type (
	AuditEvent = audit.Event
	AuditSink  = audit.Sink
)

// NoOpAuditSink discards every event.
type NoOpAuditSink = audit.NoOpSink

// NewChannelAuditSink returns a Sink that buffers events onto a channel a
// host can drain with Events().
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a Sink that writes one JSON object per line.
func NewJSONAuditSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
