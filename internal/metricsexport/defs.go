// Package metricsexport names the counters identitycore.Metrics exposes,
// independent of any one exporter backend, so the OTel exporter (and any
// future one) shares a single source of truth for metric names and help
// text instead of hand-rolling its own list.
package metricsexport

import "github.com/uid2/identitycore"

// CounterDef names one exported counter: the MetricID it reads from a
// MetricsSnapshot, and the backend-facing name/description to publish it
// under.
type CounterDef struct {
	ID   identitycore.MetricID
	Name string
	Help string
}

// CounterDefs is every counter identitycore.Metrics tracks, in the order
// they are declared in metrics.go.
var CounterDefs = []CounterDef{
	{ID: identitycore.MetricInit, Name: "identitycore_init_total", Help: "Calls to Client.Init."},
	{ID: identitycore.MetricEstablished, Name: "identitycore_established_total", Help: "ESTABLISHED transitions."},
	{ID: identitycore.MetricRefreshed, Name: "identitycore_refreshed_total", Help: "REFRESHED transitions."},
	{ID: identitycore.MetricExpired, Name: "identitycore_expired_total", Help: "EXPIRED transitions."},
	{ID: identitycore.MetricNoIdentity, Name: "identitycore_no_identity_total", Help: "NO_IDENTITY transitions."},
	{ID: identitycore.MetricInvalid, Name: "identitycore_invalid_total", Help: "INVALID transitions."},
	{ID: identitycore.MetricRefreshExpired, Name: "identitycore_refresh_expired_total", Help: "REFRESH_EXPIRED transitions."},
	{ID: identitycore.MetricOptOut, Name: "identitycore_optout_total", Help: "OPTOUT transitions."},
	{ID: identitycore.MetricRefreshAttempt, Name: "identitycore_refresh_attempt_total", Help: "Refresh RPCs issued."},
	{ID: identitycore.MetricRefreshSuccess, Name: "identitycore_refresh_success_total", Help: "Refresh RPCs that decoded successfully."},
	{ID: identitycore.MetricRefreshError, Name: "identitycore_refresh_error_total", Help: "Refresh RPCs normalized to status=error."},
	{ID: identitycore.MetricDecodeFailure, Name: "identitycore_decode_failure_total", Help: "Refresh response decode/decrypt failures."},
	{ID: identitycore.MetricWaiterQueued, Name: "identitycore_waiter_queued_total", Help: "Waiters enqueued by GetAdvertisingTokenAsync."},
	{ID: identitycore.MetricWaiterResolved, Name: "identitycore_waiter_resolved_total", Help: "Waiters resolved with a token."},
	{ID: identitycore.MetricWaiterRejected, Name: "identitycore_waiter_rejected_total", Help: "Waiters rejected with a TokenError."},
}
