package identitycore

import "time"

// DefaultBaseURL is the production refresh endpoint host used when no
// BaseURL is configured.
const DefaultBaseURL = "https://prod.uidapi.com"

// DefaultRefreshRetryPeriod is the interval the timer rearms at after a
// refresh RPC fails but the current token is still usable or recoverable.
const DefaultRefreshRetryPeriod = 5 * time.Second

// MinRefreshRetryPeriod is the floor imposed on RefreshRetryPeriod: values
// below it are rejected rather than silently clamped.
const MinRefreshRetryPeriod = 1 * time.Second

// DefaultCookiePath is the cookie Path attribute used when none is configured.
const DefaultCookiePath = "/"

// Config is the recognized set of [Client.Init] options. It is normalized
// and validated once, inside Init, not as each field is set.
type Config struct {
	// Callback is invoked exactly once per externally observable transition.
	Callback Callback
	// Identity, if set, is adopted instead of reading the cookie on Init.
	Identity *Envelope
	// RefreshRetryPeriod is the rearm interval after a failed refresh.
	// Zero means DefaultRefreshRetryPeriod; values below
	// MinRefreshRetryPeriod are rejected at Init.
	RefreshRetryPeriod time.Duration
	// BaseURL is the refresh endpoint host. Empty means DefaultBaseURL.
	BaseURL string
	// CookieDomain is the cookie Domain attribute a browser-backed CookieJar
	// would set. Reserved: CookieJar.Set only takes a value and an expiry, so
	// this is unused until a document.cookie-backed jar implementation reads
	// it back out of Config itself.
	CookieDomain string
	// CookiePath is the cookie Path attribute a browser-backed CookieJar
	// would set. Empty means DefaultCookiePath. Reserved for the same reason
	// as CookieDomain.
	CookiePath string
}

func (c Config) normalized() (Config, error) {
	out := c
	if out.Callback == nil {
		return out, ErrCallbackRequired
	}
	if out.RefreshRetryPeriod == 0 {
		out.RefreshRetryPeriod = DefaultRefreshRetryPeriod
	} else if out.RefreshRetryPeriod < MinRefreshRetryPeriod {
		return out, ErrInvalidRefreshRetryPeriod
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.CookiePath == "" {
		out.CookiePath = DefaultCookiePath
	}
	return out, nil
}
