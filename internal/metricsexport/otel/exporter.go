// Package otel publishes an identitycore.Client's counters through an
// OpenTelemetry Meter, the way the teacher's metrics/export/otel package
// publishes its own Engine counters: one observable counter per
// MetricID, refreshed via a single registered callback rather than pushed
// eagerly on every Inc.
package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/uid2/identitycore"
	"github.com/uid2/identitycore/internal/metricsexport"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilMeter is returned by NewExporter when meter is nil.
	ErrNilMeter = errors.New("metricsexport/otel: nil meter")
	// ErrNilSource is returned by NewExporter when source is nil.
	ErrNilSource = errors.New("metricsexport/otel: nil metrics source")
)

// Source is the subset of *identitycore.Client the exporter reads from.
// Defined as an interface so tests can supply a fake without standing up a
// full Client.
type Source interface {
	MetricsSnapshot() identitycore.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         identitycore.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter bridges a Source's counters into an OpenTelemetry Meter.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// NewExporter registers one observable counter per identitycore MetricID,
// plus one for dropped audit events, against meter. The returned Exporter
// must be closed to unregister its callback.
func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exp := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(metricsexport.CounterDefs)),
	}

	observables := make([]metric.Observable, 0, len(metricsexport.CounterDefs)+1)
	for _, def := range metricsexport.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exp.counters = append(exp.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"identitycore_audit_dropped_total",
		metric.WithDescription("Audit events dropped due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exp.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exp.source.MetricsSnapshot()
		for _, c := range exp.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exp.auditDropped, int64(exp.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exp.registration = registration

	return exp, nil
}

// Close unregisters the exporter's callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
