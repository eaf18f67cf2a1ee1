package identitycore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/uid2/identitycore/internal/codec"
)

// ClientVersion is sent as the X-UID2-Client-Version header on every refresh
// request.
const ClientVersion = "identitycore-go-1.0.0"

// refreshPath is appended to Config.BaseURL to form the refresh endpoint.
const refreshPath = "/v2/token/refresh"

// Transport is the HTTP collaborator the refresh RPC runs over, injected so
// tests never make a real network call. It carries no explicit timeout;
// callers rely on the underlying implementation's defaults.
type Transport interface {
	Refresh(ctx context.Context, baseURL, refreshToken string) (*http.Response, error)
}

// HTTPTransport is the production Transport, backed by net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport using http.DefaultClient unless
// client is provided.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

// Refresh implements Transport: POST {baseURL}/v2/token/refresh with the
// refresh token as a raw text body.
func (t *HTTPTransport) Refresh(ctx context.Context, baseURL, refreshToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+refreshPath, strings.NewReader(refreshToken))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-UID2-Client-Version", ClientVersion)

	return t.Client.Do(req)
}

// refreshStatus is the decrypted refresh response's status field.
type refreshStatus string

const (
	refreshStatusSuccess      refreshStatus = "success"
	refreshStatusOptOut       refreshStatus = "optout"
	refreshStatusExpiredToken refreshStatus = "expired_token"
	refreshStatusInvalidToken refreshStatus = "invalid_token"
	refreshStatusError        refreshStatus = "error"
)

// refreshResponseBody is the decrypted JSON payload of a refresh response.
type refreshResponseBody struct {
	Status refreshStatus `json:"status"`
	Body   *envelopeWire `json:"body,omitempty"`
}

// envelopeWire is the wire shape of an identity envelope inside a refresh
// response body. Field names match the server contract; RefreshResponseKey
// travels as base64 text.
type envelopeWire struct {
	AdvertisingToken   string `json:"advertising_token"`
	RefreshToken       string `json:"refresh_token"`
	IdentityExpires    int64  `json:"identity_expires"`
	RefreshFrom        int64  `json:"refresh_from"`
	RefreshExpires     int64  `json:"refresh_expires"`
	RefreshResponseKey string `json:"refresh_response_key"`
}

// msOrSecondsThreshold separates second-magnitude from millisecond-magnitude
// Unix timestamps: anything below it is assumed to be seconds.
// refresh_expires has historically been sent in seconds while the other two
// fields are milliseconds; this normalizes either by magnitude rather than
// trusting the field name.
const msOrSecondsThreshold = 1_000_000_000_000

func normalizeEpoch(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v < msOrSecondsThreshold {
		return time.Unix(v, 0).UTC()
	}
	return time.UnixMilli(v).UTC()
}

func (w *envelopeWire) toEnvelope() (*Envelope, error) {
	key, err := base64.StdEncoding.DecodeString(w.RefreshResponseKey)
	if err != nil {
		return nil, fmt.Errorf("identitycore: decode refresh_response_key: %w", err)
	}
	return &Envelope{
		AdvertisingToken:   w.AdvertisingToken,
		RefreshToken:       w.RefreshToken,
		IdentityExpires:    normalizeEpoch(w.IdentityExpires),
		RefreshFrom:        normalizeEpoch(w.RefreshFrom),
		RefreshExpires:     normalizeEpoch(w.RefreshExpires),
		RefreshResponseKey: key,
	}, nil
}

// decodeRefreshResponse reverses the refresh endpoint's wire framing:
// base64(IV‖AES-GCM ciphertext) decrypted under key, then parsed as JSON.
// Any failure at any stage is normalized to {status:'error'} by the caller,
// never surfaced as a distinct decode error to the host.
func decodeRefreshResponse(raw []byte, key []byte) (refreshResponseBody, error) {
	var out refreshResponseBody

	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return out, fmt.Errorf("identitycore: base64 decode refresh response: %w", err)
	}
	plaintext, err := codec.Open(key, wrapped)
	if err != nil {
		return out, fmt.Errorf("identitycore: decrypt refresh response: %w", err)
	}
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return out, fmt.Errorf("identitycore: parse refresh response json: %w", err)
	}
	return out, nil
}

// readResponseBody reads and closes resp.Body, bounding it the way a
// well-behaved HTTP client should.
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
