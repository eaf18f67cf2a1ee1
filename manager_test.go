package identitycore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uid2/identitycore/internal/codec"
)

// fakeClock is a Clock a test can move forward on demand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeTransport scripts refresh RPC responses. Each call to Refresh pops the
// next scripted response/error; calling past the end of the script panics,
// which fails the test loudly rather than letting it silently misbehave.
type fakeTransport struct {
	mu        sync.Mutex
	responses []func() (*http.Response, error)
	calls     int
}

func (t *fakeTransport) Refresh(ctx context.Context, baseURL, refreshToken string) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls >= len(t.responses) {
		panic("fakeTransport: no scripted response for call")
	}
	resp := t.responses[t.calls]
	t.calls++
	return resp()
}

func (t *fakeTransport) script(fns ...func() (*http.Response, error)) {
	t.responses = append(t.responses, fns...)
}

// encryptedResponse builds an HTTP response whose body is the base64(nonce
// || AES-GCM ciphertext) wire framing decodeRefreshResponse expects,
// encrypting payload under key.
func encryptedResponse(key []byte, statusCode int, payload string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		sealed, err := codec.Seal(key, []byte(payload))
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(sealed)
		return &http.Response{
			StatusCode: statusCode,
			Body:       io.NopCloser(strings.NewReader(encoded)),
		}, nil
	}
}

func errorResponse(err error) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return nil, err
	}
}

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:32]
}

func testEnvelope(token string, now time.Time, refreshFrom, identityExpires, refreshExpires time.Duration) *Envelope {
	return &Envelope{
		AdvertisingToken:   token,
		RefreshToken:       "refresh-" + token,
		IdentityExpires:    now.Add(identityExpires),
		RefreshFrom:        now.Add(refreshFrom),
		RefreshExpires:     now.Add(refreshExpires),
		RefreshResponseKey: testKey(),
	}
}

// callbackRecorder collects every CallbackPayload synchronously (the test's
// Builder wires it directly as Config.Callback) and lets a test block until
// a given number have arrived.
type callbackRecorder struct {
	mu       sync.Mutex
	payloads []CallbackPayload
	notify   chan struct{}
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{notify: make(chan struct{}, 64)}
}

func (r *callbackRecorder) callback(p CallbackPayload) {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *callbackRecorder) waitForCount(t *testing.T, n int) []CallbackPayload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.payloads)
		r.mu.Unlock()
		if got >= n {
			r.mu.Lock()
			out := append([]CallbackPayload(nil), r.payloads...)
			r.mu.Unlock()
			return out
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d callbacks, got %d", n, got)
		}
	}
}

func newTestClient(t *testing.T, clock Clock, transport Transport) *Client {
	t.Helper()
	client, err := New().WithClock(clock).WithTransport(transport).WithCookieJar(NewMemoryCookieJar()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return client
}

func waitToken(t *testing.T, ch <-chan TokenResult) TokenResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TokenResult")
		return TokenResult{}
	}
}

// Waiters queued before Init resolve once Init establishes the identity.
func TestScenarioQueuedResolutionAcrossInit(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	client := newTestClient(t, clock, &fakeTransport{})
	defer client.Abort()

	var chans []<-chan TokenResult
	for i := 0; i < 3; i++ {
		chans = append(chans, client.GetAdvertisingTokenAsync())
	}

	rec := newCallbackRecorder()
	e0 := testEnvelope("tok-e0", now, time.Hour, 2*time.Hour, 30*24*time.Hour)
	if err := client.Init(Config{Callback: rec.callback, Identity: e0}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, ch := range chans {
		r := waitToken(t, ch)
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		if r.Token != "tok-e0" {
			t.Fatalf("want tok-e0, got %q", r.Token)
		}
	}

	payloads := rec.waitForCount(t, 1)
	if payloads[0].Status != StatusEstablished {
		t.Fatalf("want ESTABLISHED, got %v", payloads[0].Status)
	}
}

// An envelope whose refresh_from has already passed triggers an immediate
// refresh on Init rather than waiting for the timer.
func TestScenarioRefreshOnInit(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	key := testKey()
	transport := &fakeTransport{}
	transport.script(encryptedResponse(key, 200, `{"status":"success","body":{"advertising_token":"tok-e2","refresh_token":"refresh-e2","identity_expires":`+
		fmt.Sprint(now.Add(2*time.Hour).UnixMilli())+`,"refresh_from":`+fmt.Sprint(now.Add(time.Hour).UnixMilli())+
		`,"refresh_expires":`+fmt.Sprint(now.Add(30*24*time.Hour).UnixMilli())+`,"refresh_response_key":"`+
		base64.StdEncoding.EncodeToString(key)+`"}}`))

	client := newTestClient(t, clock, transport)
	defer client.Abort()
	waiterCh := client.GetAdvertisingTokenAsync()

	rec := newCallbackRecorder()
	e1 := testEnvelope("tok-e1", now, -100*time.Second, time.Hour, 30*24*time.Hour)
	e1.RefreshResponseKey = key
	if err := client.Init(Config{Callback: rec.callback, Identity: e1}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := waitToken(t, waiterCh)
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if r.Token != "tok-e2" {
		t.Fatalf("want tok-e2, got %q", r.Token)
	}

	payloads := rec.waitForCount(t, 1)
	if payloads[0].Status != StatusRefreshed {
		t.Fatalf("want REFRESHED, got %v", payloads[0].Status)
	}

	raw, ok := client.cookieJar.Get()
	if !ok {
		t.Fatal("expected cookie to be written")
	}
	env, err := decodeCookieValue(raw)
	if err != nil {
		t.Fatalf("decode cookie: %v", err)
	}
	if env.AdvertisingToken != "tok-e2" {
		t.Fatalf("cookie holds %q, want tok-e2", env.AdvertisingToken)
	}
}

// A refresh response reporting optout clears the cookie and rejects
// queued waiters with ErrOptOut.
func TestScenarioOptOutOnInitRefresh(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	key := testKey()
	transport := &fakeTransport{}
	transport.script(encryptedResponse(key, 400, `{"status":"optout"}`))

	client := newTestClient(t, clock, transport)
	defer client.Abort()
	waiterCh := client.GetAdvertisingTokenAsync()

	rec := newCallbackRecorder()
	e1 := testEnvelope("tok-e1", now, -100*time.Second, time.Hour, 30*24*time.Hour)
	e1.RefreshResponseKey = key
	if err := client.Init(Config{Callback: rec.callback, Identity: e1}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := waitToken(t, waiterCh)
	if !errors.Is(r.Err, ErrOptOut) {
		t.Fatalf("want ErrOptOut, got %v", r.Err)
	}

	payloads := rec.waitForCount(t, 1)
	if payloads[0].Status != StatusOptOut {
		t.Fatalf("want OPTOUT, got %v", payloads[0].Status)
	}

	if _, ok := client.cookieJar.Get(); ok {
		t.Fatal("expected cookie to be cleared")
	}
}

// A refresh RPC that normalizes to {status:'error'} is silent to the host
// as long as the current token is still returnable.
func TestScenarioErrorWithStillValidToken(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	key := testKey()
	transport := &fakeTransport{}
	transport.script(encryptedResponse(key, 200, `{"status":"error"}`))

	client := newTestClient(t, clock, transport)
	defer client.Abort()
	waiterCh := client.GetAdvertisingTokenAsync()

	rec := newCallbackRecorder()
	e1 := testEnvelope("tok-e1", now, -100*time.Second, time.Hour, 30*24*time.Hour)
	e1.RefreshResponseKey = key
	if err := client.Init(Config{Callback: rec.callback, Identity: e1}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := waitToken(t, waiterCh)
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if r.Token != "tok-e1" {
		t.Fatalf("want tok-e1, got %q", r.Token)
	}

	// No callback should fire for this transition; give the async refresh
	// goroutine a moment to settle before asserting its absence.
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.payloads)
	rec.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no callback, got %d", n)
	}
}

// A refresh RPC that normalizes to {status:'error'} surfaces EXPIRED once
// the current token is no longer returnable but the refresh token hasn't
// died yet.
func TestScenarioErrorWithExpiredToken(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	key := testKey()
	transport := &fakeTransport{}
	transport.script(encryptedResponse(key, 200, `{"status":"error"}`))

	client := newTestClient(t, clock, transport)
	defer client.Abort()

	rec := newCallbackRecorder()
	e1 := testEnvelope("tok-e1", now, -time.Hour, -time.Second, 30*24*time.Hour)
	e1.RefreshResponseKey = key
	if err := client.Init(Config{Callback: rec.callback, Identity: e1}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	payloads := rec.waitForCount(t, 1)
	if payloads[0].Status != StatusExpired {
		t.Fatalf("want EXPIRED, got %v", payloads[0].Status)
	}

	ch := client.GetAdvertisingTokenAsync()
	r := waitToken(t, ch)
	if !errors.Is(r.Err, ErrTemporarilyUnavailable) {
		t.Fatalf("want ErrTemporarilyUnavailable, got %v", r.Err)
	}
}

// Disconnect during an in-flight refresh discards the eventual RPC result
// instead of reviving a disconnected instance.
func TestScenarioDisconnectRacesRefresh(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	key := testKey()
	release := make(chan struct{})
	transport := &fakeTransport{}
	transport.script(func() (*http.Response, error) {
		<-release
		resp, _ := encryptedResponse(key, 200, `{"status":"success","body":{"advertising_token":"tok-late","refresh_token":"refresh-late","identity_expires":0,"refresh_from":0,"refresh_expires":0,"refresh_response_key":""}}`)()
		return resp, nil
	})

	client := newTestClient(t, clock, transport)
	defer client.Abort()

	rec := newCallbackRecorder()
	e1 := testEnvelope("tok-e1", now, -100*time.Second, time.Hour, 30*24*time.Hour)
	e1.RefreshResponseKey = key
	if err := client.Init(Config{Callback: rec.callback, Identity: e1}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	waiterCh := client.GetAdvertisingTokenAsync()
	client.Disconnect()
	close(release)

	r := waitToken(t, waiterCh)
	if !errors.Is(r.Err, ErrDisconnected) {
		t.Fatalf("want ErrDisconnected, got %v", r.Err)
	}

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	for _, p := range rec.payloads {
		if p.Status == StatusRefreshed {
			t.Fatal("unexpected REFRESHED callback after disconnect")
		}
	}
	rec.mu.Unlock()

	if _, ok := client.cookieJar.Get(); ok {
		t.Fatal("expected cookie to be cleared by disconnect")
	}
}

func TestInitTwiceRejected(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	client := newTestClient(t, clock, &fakeTransport{})
	defer client.Abort()
	e0 := testEnvelope("tok-e0", now, time.Hour, 2*time.Hour, 30*24*time.Hour)
	cb := func(CallbackPayload) {}
	if err := client.Init(Config{Callback: cb, Identity: e0}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := client.Init(Config{Callback: cb, Identity: e0}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("want ErrAlreadyInitialized, got %v", err)
	}
}

func TestGetAdvertisingTokenSyncNeverBlocks(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	client := newTestClient(t, clock, &fakeTransport{})
	defer client.Abort()
	if _, ok := client.GetAdvertisingToken(); ok {
		t.Fatal("expected no token before init")
	}
	e0 := testEnvelope("tok-e0", now, time.Hour, 2*time.Hour, 30*24*time.Hour)
	if err := client.Init(Config{Callback: func(CallbackPayload) {}, Identity: e0}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	token, ok := client.GetAdvertisingToken()
	if !ok || token != "tok-e0" {
		t.Fatalf("got (%q, %v), want (tok-e0, true)", token, ok)
	}
}

func TestAbortCancelsTimerWithoutClearingState(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	client := newTestClient(t, clock, &fakeTransport{})
	defer client.Abort()
	e0 := testEnvelope("tok-e0", now, time.Hour, 2*time.Hour, 30*24*time.Hour)
	if err := client.Init(Config{Callback: func(CallbackPayload) {}, Identity: e0}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	client.Abort()
	token, ok := client.GetAdvertisingToken()
	if !ok || token != "tok-e0" {
		t.Fatalf("Abort must not clear in-memory state, got (%q, %v)", token, ok)
	}
}

func TestRunRefreshNormalizesTransportFailure(t *testing.T) {
	transport := &fakeTransport{}
	transport.script(errorResponse(errors.New("connection refused")))

	outcome := runRefresh(context.Background(), transport, "https://example.test", "rtok", testKey())
	if outcome.kind != outcomeError {
		t.Fatalf("got outcome kind %v, want outcomeError", outcome.kind)
	}
	if outcome.envelope != nil {
		t.Fatalf("expected no envelope on transport failure, got %+v", outcome.envelope)
	}
	if outcome.decodeFailure {
		t.Fatal("a transport-level failure must not be flagged as a decode failure")
	}
}

func TestRunRefreshFlagsDecodeFailure(t *testing.T) {
	transport := &fakeTransport{}
	transport.script(func() (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Body:       io.NopCloser(strings.NewReader("not valid base64/ciphertext")),
		}, nil
	})

	outcome := runRefresh(context.Background(), transport, "https://example.test", "rtok", testKey())
	if outcome.kind != outcomeError {
		t.Fatalf("got outcome kind %v, want outcomeError", outcome.kind)
	}
	if !outcome.decodeFailure {
		t.Fatal("expected decodeFailure to be set when the response can't be decrypted/parsed")
	}
}

func TestHandleRefreshOutcomeCountsDecodeFailure(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	client := newTestClient(t, clock, &fakeTransport{})
	defer client.Abort()
	e0 := testEnvelope("tok-e0", now, time.Hour, 2*time.Hour, 30*24*time.Hour)
	if err := client.Init(Config{Callback: func(CallbackPayload) {}, Identity: e0}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	client.handleRefreshOutcome(refreshOutcome{kind: outcomeError, decodeFailure: true})

	snap := client.MetricsSnapshot()
	if snap.Counters[MetricRefreshError] != 1 {
		t.Fatalf("got MetricRefreshError=%d, want 1", snap.Counters[MetricRefreshError])
	}
	if snap.Counters[MetricDecodeFailure] != 1 {
		t.Fatalf("got MetricDecodeFailure=%d, want 1", snap.Counters[MetricDecodeFailure])
	}
}

// A structurally invalid but parseable cookie envelope must not be adopted:
// it should yield NO_IDENTITY, not INVALID, since the cookie's only trusted
// content in that case is "nothing usable was there."
func TestInitRejectsInvalidCookieEnvelopeAsNoIdentity(t *testing.T) {
	now := time.Now()
	clock := newFakeClock(now)
	jar := NewMemoryCookieJar()

	broken := &Envelope{
		// Missing RefreshToken/RefreshResponseKey: fails Envelope.valid().
		AdvertisingToken: "tok-broken",
		IdentityExpires:  now.Add(time.Hour),
		RefreshFrom:      now.Add(30 * time.Minute),
		RefreshExpires:   now.Add(24 * time.Hour),
	}
	raw, err := encodeCookieValue(broken)
	if err != nil {
		t.Fatalf("encodeCookieValue: %v", err)
	}
	jar.Set(raw, now.Add(24*time.Hour))

	client, err := New().WithClock(clock).WithTransport(&fakeTransport{}).WithCookieJar(jar).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer client.Abort()

	rec := newCallbackRecorder()
	if err := client.Init(Config{Callback: rec.callback}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	payloads := rec.waitForCount(t, 1)
	if payloads[0].Status != StatusNoIdentity {
		t.Fatalf("got status %v, want StatusNoIdentity", payloads[0].Status)
	}
}
