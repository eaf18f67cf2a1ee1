package codec

import (
	"testing"
	"time"
)

func testKeyProvider() *StaticKeyProvider {
	master := Key{ID: 1, Secret: make([]byte, 32)}
	for i := range master.Secret {
		master.Secret[i] = byte(i)
	}
	kp := NewStaticKeyProvider(master)
	site := Key{ID: 100, Secret: make([]byte, 32)}
	for i := range site.Secret {
		site.Secret[i] = byte(255 - i)
	}
	kp.AddSiteKey(42, site)
	return kp
}

func testIdentity() UserIdentity {
	return UserIdentity{
		ID:            "abc123==",
		SiteID:        42,
		PrivacyBits:   7,
		EstablishedAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

func TestAdvertisingTokenRoundTrip(t *testing.T) {
	kp := testKeyProvider()
	want := AdvertisingToken{
		Version:      CurrentVersion,
		ExpiresAt:    time.UnixMilli(1_700_003_600_000).UTC(),
		UserIdentity: testIdentity(),
	}

	encoded, err := EncodeAdvertisingToken(want, kp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeAdvertisingToken(encoded, kp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Version != want.Version ||
		!got.ExpiresAt.Equal(want.ExpiresAt) ||
		got.UserIdentity.ID != want.UserIdentity.ID ||
		got.UserIdentity.SiteID != want.UserIdentity.SiteID ||
		got.UserIdentity.PrivacyBits != want.UserIdentity.PrivacyBits ||
		!got.UserIdentity.EstablishedAt.Equal(want.UserIdentity.EstablishedAt) {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	kp := testKeyProvider()
	want := RefreshToken{
		Version:      CurrentVersion,
		CreatedAt:    time.UnixMilli(1_700_000_000_000).UTC(),
		ExpiresAt:    time.UnixMilli(1_700_003_600_000).UTC(),
		ValidTill:    time.UnixMilli(1_702_592_000_000).UTC(),
		UserIdentity: testIdentity(),
	}

	encoded, err := EncodeRefreshToken(want, kp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRefreshToken(encoded, kp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.CreatedAt.Equal(want.CreatedAt) ||
		!got.ExpiresAt.Equal(want.ExpiresAt) ||
		!got.ValidTill.Equal(want.ValidTill) ||
		got.UserIdentity.ID != want.UserIdentity.ID {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestUserTokenRoundTrip(t *testing.T) {
	kp := testKeyProvider()
	want := UserToken{
		Version:      CurrentVersion,
		UserIdentity: testIdentity(),
		PrivacyBits2: 3,
	}

	encoded, err := EncodeUserToken(want, kp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUserToken(encoded, kp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.UserIdentity.ID != want.UserIdentity.ID ||
		got.UserIdentity.SiteID != want.UserIdentity.SiteID {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestDecodeAdvertisingTokenUnknownMasterKey(t *testing.T) {
	kp := testKeyProvider()
	tok := AdvertisingToken{Version: CurrentVersion, ExpiresAt: time.Now(), UserIdentity: testIdentity()}
	encoded, err := EncodeAdvertisingToken(tok, kp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	other := NewStaticKeyProvider(Key{ID: 999, Secret: make([]byte, 32)})
	if _, err := DecodeAdvertisingToken(encoded, other); err != ErrUnknownKey {
		t.Fatalf("want ErrUnknownKey, got %v", err)
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	kp := testKeyProvider()
	tok := RefreshToken{
		Version:      CurrentVersion,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
		ValidTill:    time.Now().Add(30 * 24 * time.Hour),
		UserIdentity: testIdentity(),
	}
	encoded, err := EncodeRefreshToken(tok, kp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	raw, err := unwrap(encoded)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	tampered := wrap(raw)

	if _, err := DecodeRefreshToken(tampered, kp); err == nil {
		t.Fatal("expected decode of tampered ciphertext to fail")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	plaintext := []byte("hello, identity")

	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("want %q got %q", plaintext, opened)
	}
}
