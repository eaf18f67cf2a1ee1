package identitycore

import "errors"

// ErrorKind classifies why a waiter was rejected or why [Client.Init] failed,
// per the error taxonomy a host can branch on without parsing message text.
type ErrorKind int

const (
	// ErrorKindNone is the zero value; never attached to a returned error.
	ErrorKindNone ErrorKind = iota
	// ErrorKindInitFailed means init classified the adopted envelope as
	// UNAVAILABLE (absent, invalid, or refresh-expired).
	ErrorKindInitFailed
	// ErrorKindTemporarilyUnavailable means the current token is expired but
	// the refresh token may still recover it.
	ErrorKindTemporarilyUnavailable
	// ErrorKindOptOut means the server reported the user opted out.
	ErrorKindOptOut
	// ErrorKindRefreshExpired means the refresh token is dead.
	ErrorKindRefreshExpired
	// ErrorKindDisconnected means the host tore the client down.
	ErrorKindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInitFailed:
		return "INIT_FAILED"
	case ErrorKindTemporarilyUnavailable:
		return "TEMPORARILY_UNAVAILABLE"
	case ErrorKindOptOut:
		return "OPTOUT"
	case ErrorKindRefreshExpired:
		return "REFRESH_EXPIRED"
	case ErrorKindDisconnected:
		return "DISCONNECTED"
	default:
		return "NONE"
	}
}

// TokenError is returned to a waiter when the lifecycle reaches a terminal
// or temporarily-negative answer. Kind is machine-readable; Error() is a
// human-readable message.
type TokenError struct {
	Kind ErrorKind
	msg  string
}

func newTokenError(kind ErrorKind, msg string) *TokenError {
	return &TokenError{Kind: kind, msg: msg}
}

func (e *TokenError) Error() string {
	if e == nil {
		return ""
	}
	return e.msg
}

// Is reports whether target is a *TokenError with the same Kind, so callers
// can write errors.Is(err, identitycore.ErrOptOut) against the sentinels
// below.
func (e *TokenError) Is(target error) bool {
	other, ok := target.(*TokenError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

var (
	// ErrInitFailed is matched via errors.Is against rejections produced by a failed Init.
	ErrInitFailed = newTokenError(ErrorKindInitFailed, "identitycore: init did not establish an identity")
	// ErrTemporarilyUnavailable is matched against expired-but-recoverable rejections.
	ErrTemporarilyUnavailable = newTokenError(ErrorKindTemporarilyUnavailable, "identitycore: identity temporarily unavailable")
	// ErrOptOut is matched against opt-out rejections.
	ErrOptOut = newTokenError(ErrorKindOptOut, "identitycore: user has opted out")
	// ErrRefreshExpired is matched against dead-refresh-token rejections.
	ErrRefreshExpired = newTokenError(ErrorKindRefreshExpired, "identitycore: refresh token expired")
	// ErrDisconnected is matched against post-disconnect rejections.
	ErrDisconnected = newTokenError(ErrorKindDisconnected, "identitycore: client has been disconnected")
)

// ErrAlreadyInitialized is returned synchronously when Init is called a
// second time on the same Client.
var ErrAlreadyInitialized = errors.New("identitycore: init called more than once")

// ErrCallbackRequired is returned by Client.Init when Config.Callback is nil.
var ErrCallbackRequired = errors.New("identitycore: callback is required")

// ErrInvalidRefreshRetryPeriod is returned by Client.Init when
// Config.RefreshRetryPeriod is non-zero and below the one-second floor.
var ErrInvalidRefreshRetryPeriod = errors.New("identitycore: refreshRetryPeriod below minimum")
