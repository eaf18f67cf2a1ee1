package codec

import "time"

// UserIdentity is the payload layered under site-key encryption in both the
// advertising and user tokens, and under master-key encryption in the
// refresh token.
type UserIdentity struct {
	ID            string
	SiteID        uint32
	PrivacyBits   uint32
	EstablishedAt time.Time
}

// AdvertisingToken is the short-lived opaque token applications attach to
// outgoing bid requests, before encoding.
type AdvertisingToken struct {
	Version      uint8
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UserIdentity UserIdentity
}

// UserToken carries the same identity as AdvertisingToken plus a privacy
// bits field of its own, for first-party use cases that need the raw
// identity rather than the bid-request token.
type UserToken struct {
	Version      uint8
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UserIdentity UserIdentity
	PrivacyBits2 uint32
}

// RefreshToken is the credential presented to the refresh endpoint.
type RefreshToken struct {
	Version      uint8
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ValidTill    time.Time
	UserIdentity UserIdentity
}

// CurrentVersion is the only token version this codec encodes or accepts,
// per the Non-goal of backwards compatibility with other versions.
const CurrentVersion uint8 = 2
