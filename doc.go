// Package identitycore implements the client-side lifecycle of a pseudonymous
// advertising identity: classifying an identity envelope by its timestamps,
// scheduling automatic refresh against a remote endpoint, serializing callers
// behind a promise-shaped async token accessor, and mirroring the envelope to
// a cookie so it survives navigation.
//
// The package is designed for single-owner embedding: a [Client] is built
// once via [Builder] and then driven by one goroutine's worth of host calls
// plus its own internal timer and refresh-completion events. All mutation of
// the current envelope, the refresh timer, and the waiter queue is guarded by
// a single mutex, the Go analogue of the single-threaded cooperative event
// loop this library was distilled from.
//
// # Architecture boundaries
//
// identitycore is the public surface. It exposes [Client], [Builder],
// [Config], [Status], and value types (TokenResult, MetricsSnapshot, etc.).
// The token wire format lives under internal/codec and is never exported:
// hosts never see a master key, a site key, or a raw encrypted payload.
//
// # What this package must NOT do
//
//   - Perform I/O outside of [Client] methods and their injected
//     [Transport]/[CookieJar] collaborators (construction via [Builder] is
//     allocation-only until [Builder.Build]).
//   - Expose the waiter queue or the internal state machine's states; only
//     the callback status taxonomy in [Status] is observable.
//   - Import any sub-package that re-imports identitycore (no import cycles).
package identitycore
