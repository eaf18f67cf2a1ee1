// Command uid2-operator-sim is a minimal stand-in for the server side of the
// refresh contract: it issues an initial identity envelope and serves
// /v2/token/refresh the way identitycore's Transport expects, so the client
// package can be exercised end-to-end without a real operator deployment.
// It is not a production token issuer; session state lives in memory and is
// lost on restart.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uid2/identitycore/internal/codec"
	"github.com/uid2/identitycore/internal/keydirectory"
)

const refreshPath = "/v2/token/refresh"

// session is the operator's bookkeeping for one issued identity: the key
// its refresh responses are encrypted under, and the identity/expiry terms
// of the refresh token currently outstanding for it.
type session struct {
	identity           codec.UserIdentity
	refreshResponseKey []byte
	validTill          time.Time
}

// operator holds everything the simulator needs to issue and refresh
// tokens: a key directory snapshot to encode/decode against, and the set
// of outstanding refresh tokens it has handed out.
type operator struct {
	mu       sync.Mutex
	keys     *codec.StaticKeyProvider
	sessions map[string]*session // refresh token -> session

	siteID             uint32
	identityTTL        time.Duration
	refreshTTL         time.Duration
	refreshGracePeriod time.Duration
}

func main() {
	var (
		addr          = flag.String("addr", ":8085", "listen address for the refresh endpoint")
		redisAddr     = flag.String("redis-addr", "", "redis address for the key directory; if empty, REDIS_ADDR env or miniredis is used")
		siteID        = flag.Uint("site-id", 1, "site id to seed and issue tokens for")
		identityTTL   = flag.Duration("identity-ttl", 5*time.Minute, "advertising token lifetime")
		refreshTTL    = flag.Duration("refresh-ttl", 30*24*time.Hour, "refresh token validity window")
		refreshWindow = flag.Duration("refresh-window", 4*time.Minute, "how long before identity expiry refresh_from opens")
		issueUser     = flag.String("issue-user", "", "if set, print an initial envelope for this user id on startup and exit")
	)
	flag.Parse()

	ctx := context.Background()

	client, cleanup, err := connectRedis(*redisAddr)
	if err != nil {
		log.Fatalf("uid2-operator-sim: redis: %v", err)
	}
	defer cleanup()

	store := keydirectory.New(client, "uid2-operator-sim")
	master := codec.Key{ID: 1, Secret: randomSecret(32)}
	site := codec.Key{ID: 2, Secret: randomSecret(32)}
	if err := store.PutKey(ctx, master); err != nil {
		log.Fatalf("uid2-operator-sim: seed master key: %v", err)
	}
	if err := store.PutKey(ctx, site); err != nil {
		log.Fatalf("uid2-operator-sim: seed site key: %v", err)
	}
	if err := store.SetMasterKey(ctx, master.ID); err != nil {
		log.Fatalf("uid2-operator-sim: set master key: %v", err)
	}
	if err := store.SetSiteKey(ctx, uint32(*siteID), site.ID); err != nil {
		log.Fatalf("uid2-operator-sim: set site key: %v", err)
	}

	keys, err := store.Snapshot(ctx)
	if err != nil {
		log.Fatalf("uid2-operator-sim: snapshot key directory: %v", err)
	}

	op := &operator{
		keys:               keys,
		sessions:           make(map[string]*session),
		siteID:             uint32(*siteID),
		identityTTL:        *identityTTL,
		refreshTTL:         *refreshTTL,
		refreshGracePeriod: *refreshWindow,
	}

	if *issueUser != "" {
		wire, err := op.issue(*issueUser, time.Now())
		if err != nil {
			log.Fatalf("uid2-operator-sim: issue: %v", err)
		}
		enc, _ := json.MarshalIndent(wire, "", "  ")
		fmt.Println(string(enc))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/issue", op.handleIssue)
	mux.HandleFunc(refreshPath, op.handleRefresh)

	log.Printf("uid2-operator-sim: listening on %s (site %d)", *addr, *siteID)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("uid2-operator-sim: serve: %v", err)
	}
}

func connectRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	return client, func() { _ = client.Close(); mr.Close() }, nil
}

func randomSecret(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("uid2-operator-sim: generate secret: %v", err)
	}
	return buf
}

// envelopeWire mirrors identitycore's unexported envelopeWire: the JSON
// shape of an identity envelope on the wire. It is redeclared here rather
// than imported since the client package keeps it private to its own
// refresh-response decoding.
type envelopeWire struct {
	AdvertisingToken   string `json:"advertising_token"`
	RefreshToken       string `json:"refresh_token"`
	IdentityExpires    int64  `json:"identity_expires"`
	RefreshFrom        int64  `json:"refresh_from"`
	RefreshExpires     int64  `json:"refresh_expires"`
	RefreshResponseKey string `json:"refresh_response_key"`
}

type refreshResponseBody struct {
	Status string        `json:"status"`
	Body   *envelopeWire `json:"body,omitempty"`
}

// issue mints a brand new identity: a fresh refresh_response_key, an
// advertising token, and a refresh token, and registers the session so a
// later refresh call against the returned refresh token succeeds. userID is
// not encoded or stored; the identity's id is a fresh UUID.
func (op *operator) issue(userID string, now time.Time) (envelopeWire, error) {
	identity := codec.UserIdentity{
		ID:            uuid.New().String(),
		SiteID:        op.siteID,
		PrivacyBits:   0,
		EstablishedAt: now,
	}

	adTok, refTok, responseKey, validTill, err := op.mint(identity, now)
	if err != nil {
		return envelopeWire{}, err
	}

	op.mu.Lock()
	op.sessions[refTok] = &session{identity: identity, refreshResponseKey: responseKey, validTill: validTill}
	op.mu.Unlock()

	return envelopeWire{
		AdvertisingToken:   adTok,
		RefreshToken:       refTok,
		IdentityExpires:    now.Add(op.identityTTL).UnixMilli(),
		RefreshFrom:        now.Add(op.identityTTL - op.refreshGracePeriod).UnixMilli(),
		RefreshExpires:     validTill.UnixMilli(),
		RefreshResponseKey: encodeKey(responseKey),
	}, nil
}

func (op *operator) mint(identity codec.UserIdentity, now time.Time) (advertisingToken, refreshToken string, responseKey []byte, validTill time.Time, err error) {
	validTill = now.Add(op.refreshTTL)

	advertisingToken, err = codec.EncodeAdvertisingToken(codec.AdvertisingToken{
		Version:      codec.CurrentVersion,
		CreatedAt:    now,
		ExpiresAt:    now.Add(op.identityTTL),
		UserIdentity: identity,
	}, op.keys)
	if err != nil {
		return "", "", nil, time.Time{}, fmt.Errorf("encode advertising token: %w", err)
	}

	refreshToken, err = codec.EncodeRefreshToken(codec.RefreshToken{
		Version:      codec.CurrentVersion,
		CreatedAt:    now,
		ExpiresAt:    now.Add(op.identityTTL),
		ValidTill:    validTill,
		UserIdentity: identity,
	}, op.keys)
	if err != nil {
		return "", "", nil, time.Time{}, fmt.Errorf("encode refresh token: %w", err)
	}

	responseKey = randomSecret(32)
	return advertisingToken, refreshToken, responseKey, validTill, nil
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// handleIssue lets a caller mint a new identity over HTTP: POST a JSON body
// of {"user_id": "..."} and get back an envelope ready to seed a client's
// cookie jar with, the way a first-party login flow would.
func (op *operator) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	wire, err := op.issue(req.UserID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire)
}

// handleRefresh implements the contract identitycore.HTTPTransport.Refresh
// expects: a raw refresh token as the POST body, and a base64(AES-GCM) JSON
// refreshResponseBody as the response body, encrypted under the session's
// refresh_response_key. Rotation mints a new advertising/refresh token pair
// and re-registers the session under the new refresh token, mirroring
// UIDOperatorService's handling of /v2/token/refresh.
func (op *operator) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	buf := make([]byte, 4096)
	n, _ := r.Body.Read(buf)
	refreshToken := strings.TrimSpace(string(buf[:n]))

	op.mu.Lock()
	sess, ok := op.sessions[refreshToken]
	op.mu.Unlock()

	if !ok {
		op.writeEncrypted(w, op.fallbackKey(), refreshResponseBody{Status: "invalid_token"})
		return
	}

	now := time.Now()
	if now.After(sess.validTill) {
		op.writeEncrypted(w, sess.refreshResponseKey, refreshResponseBody{Status: "expired_token"})
		return
	}

	adTok, newRefTok, responseKey, validTill, err := op.mint(sess.identity, now)
	if err != nil {
		op.writeEncrypted(w, sess.refreshResponseKey, refreshResponseBody{Status: "error"})
		return
	}

	op.mu.Lock()
	delete(op.sessions, refreshToken)
	op.sessions[newRefTok] = &session{identity: sess.identity, refreshResponseKey: responseKey, validTill: validTill}
	op.mu.Unlock()

	body := &envelopeWire{
		AdvertisingToken:   adTok,
		RefreshToken:       newRefTok,
		IdentityExpires:    now.Add(op.identityTTL).UnixMilli(),
		RefreshFrom:        now.Add(op.identityTTL - op.refreshGracePeriod).UnixMilli(),
		RefreshExpires:     validTill.UnixMilli(),
		RefreshResponseKey: encodeKey(responseKey),
	}
	op.writeEncrypted(w, sess.refreshResponseKey, refreshResponseBody{Status: "success", Body: body})
}

// fallbackKey is used to encrypt an invalid_token response when the
// operator has no session (and thus no key) to encrypt under. Production
// UID2 operators reject unknown refresh tokens with a plaintext 400
// instead; this simulator keeps the wire shape uniform for test clients
// that always attempt to decrypt.
func (op *operator) fallbackKey() []byte {
	master, ok := op.keys.MasterKey()
	if !ok {
		return nil
	}
	return master.Secret
}

func (op *operator) writeEncrypted(w http.ResponseWriter, key []byte, body refreshResponseBody) {
	plaintext, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sealed, err := codec.Seal(key, plaintext)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(sealed)))
}
