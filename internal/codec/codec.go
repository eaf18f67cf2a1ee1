// Package codec implements the byte-exact advertising/user/refresh token
// framing and layered AES-GCM encryption that the refresh path and the
// server-side operator must agree on. The inner-key (site) / outer-key
// (master) layering lets site keys rotate without
// invalidating master-key-encoded envelopes and is preserved exactly: it is
// never collapsed into a single encryption pass.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// ErrVersionMismatch is returned by Decode* when a token's embedded version
// byte is not CurrentVersion. Backwards compatibility with other token
// versions is a declared Non-goal.
var ErrVersionMismatch = errors.New("codec: unsupported token version")

func epochMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

func fromEpochMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func writeIdentity(buf *bytes.Buffer, id UserIdentity) error {
	if err := binary.Write(buf, binary.BigEndian, id.SiteID); err != nil {
		return err
	}
	idBytes := []byte(id.ID)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(idBytes))); err != nil {
		return err
	}
	buf.Write(idBytes)
	if err := binary.Write(buf, binary.BigEndian, id.PrivacyBits); err != nil {
		return err
	}
	return binary.Write(buf, binary.BigEndian, epochMillis(id.EstablishedAt))
}

func readIdentity(r *bytes.Reader) (UserIdentity, error) {
	var id UserIdentity
	if err := binary.Read(r, binary.BigEndian, &id.SiteID); err != nil {
		return id, err
	}
	var idLen uint32
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return id, err
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return id, err
	}
	id.ID = string(idBytes)
	if err := binary.Read(r, binary.BigEndian, &id.PrivacyBits); err != nil {
		return id, err
	}
	var establishedMs uint64
	if err := binary.Read(r, binary.BigEndian, &establishedMs); err != nil {
		return id, err
	}
	id.EstablishedAt = fromEpochMillis(establishedMs)
	return id, nil
}

func wrap(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func unwrap(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeAdvertisingToken implements the advertising token byte layout:
// version:1 | masterKeyId:4 | encrypt_master( expiresAt:8 | siteKeyId:4 |
// encrypt_site( identity payload ) ), base64-wrapped.
func EncodeAdvertisingToken(t AdvertisingToken, kp KeyProvider) (string, error) {
	master, ok := kp.MasterKey()
	if !ok {
		return "", ErrUnknownKey
	}
	site, ok := kp.SiteKey(t.UserIdentity.SiteID)
	if !ok {
		return "", ErrUnknownKey
	}

	var identityBuf bytes.Buffer
	if err := writeIdentity(&identityBuf, t.UserIdentity); err != nil {
		return "", err
	}
	siteLayer, err := Seal(site.Secret, identityBuf.Bytes())
	if err != nil {
		return "", err
	}

	var masterPlain bytes.Buffer
	if err := binary.Write(&masterPlain, binary.BigEndian, epochMillis(t.ExpiresAt)); err != nil {
		return "", err
	}
	if err := binary.Write(&masterPlain, binary.BigEndian, site.ID); err != nil {
		return "", err
	}
	masterPlain.Write(siteLayer)

	masterLayer, err := Seal(master.Secret, masterPlain.Bytes())
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	out.WriteByte(CurrentVersion)
	if err := binary.Write(&out, binary.BigEndian, master.ID); err != nil {
		return "", err
	}
	out.Write(masterLayer)

	return wrap(out.Bytes()), nil
}

// DecodeAdvertisingToken reverses EncodeAdvertisingToken. CreatedAt is not
// part of the wire format (it is re-stamped by the operator on issuance) and
// is left zero on decode.
func DecodeAdvertisingToken(s string, kp KeyProvider) (AdvertisingToken, error) {
	var t AdvertisingToken
	raw, err := unwrap(s)
	if err != nil {
		return t, err
	}
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return t, err
	}
	if version != CurrentVersion {
		return t, ErrVersionMismatch
	}
	t.Version = version

	var masterKeyID uint32
	if err := binary.Read(r, binary.BigEndian, &masterKeyID); err != nil {
		return t, err
	}
	masterKey, ok := kp.GetKey(masterKeyID)
	if !ok {
		return t, ErrUnknownKey
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return t, err
	}
	masterPlain, err := Open(masterKey.Secret, rest)
	if err != nil {
		return t, err
	}

	mr := bytes.NewReader(masterPlain)
	var expiresMs uint64
	if err := binary.Read(mr, binary.BigEndian, &expiresMs); err != nil {
		return t, err
	}
	t.ExpiresAt = fromEpochMillis(expiresMs)

	var siteKeyID uint32
	if err := binary.Read(mr, binary.BigEndian, &siteKeyID); err != nil {
		return t, err
	}
	siteKey, ok := kp.GetKey(siteKeyID)
	if !ok {
		return t, ErrUnknownKey
	}

	siteCipher := make([]byte, mr.Len())
	if _, err := io.ReadFull(mr, siteCipher); err != nil {
		return t, err
	}
	sitePlain, err := Open(siteKey.Secret, siteCipher)
	if err != nil {
		return t, err
	}

	id, err := readIdentity(bytes.NewReader(sitePlain))
	if err != nil {
		return t, err
	}
	t.UserIdentity = id
	return t, nil
}

// EncodeRefreshToken implements the refresh token byte layout:
// version:1 | createdAt:8 | expiresAt:8 | validTill:8 | masterKeyId:4 |
// encrypt_master( identity payload ), base64-wrapped.
func EncodeRefreshToken(t RefreshToken, kp KeyProvider) (string, error) {
	master, ok := kp.MasterKey()
	if !ok {
		return "", ErrUnknownKey
	}

	var identityBuf bytes.Buffer
	if err := writeIdentity(&identityBuf, t.UserIdentity); err != nil {
		return "", err
	}
	masterLayer, err := Seal(master.Secret, identityBuf.Bytes())
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	out.WriteByte(CurrentVersion)
	if err := binary.Write(&out, binary.BigEndian, epochMillis(t.CreatedAt)); err != nil {
		return "", err
	}
	if err := binary.Write(&out, binary.BigEndian, epochMillis(t.ExpiresAt)); err != nil {
		return "", err
	}
	if err := binary.Write(&out, binary.BigEndian, epochMillis(t.ValidTill)); err != nil {
		return "", err
	}
	if err := binary.Write(&out, binary.BigEndian, master.ID); err != nil {
		return "", err
	}
	out.Write(masterLayer)

	return wrap(out.Bytes()), nil
}

// DecodeRefreshToken reverses EncodeRefreshToken.
func DecodeRefreshToken(s string, kp KeyProvider) (RefreshToken, error) {
	var t RefreshToken
	raw, err := unwrap(s)
	if err != nil {
		return t, err
	}
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return t, err
	}
	if version != CurrentVersion {
		return t, ErrVersionMismatch
	}
	t.Version = version

	var createdMs, expiresMs, validTillMs uint64
	if err := binary.Read(r, binary.BigEndian, &createdMs); err != nil {
		return t, err
	}
	if err := binary.Read(r, binary.BigEndian, &expiresMs); err != nil {
		return t, err
	}
	if err := binary.Read(r, binary.BigEndian, &validTillMs); err != nil {
		return t, err
	}
	t.CreatedAt = fromEpochMillis(createdMs)
	t.ExpiresAt = fromEpochMillis(expiresMs)
	t.ValidTill = fromEpochMillis(validTillMs)

	var masterKeyID uint32
	if err := binary.Read(r, binary.BigEndian, &masterKeyID); err != nil {
		return t, err
	}
	masterKey, ok := kp.GetKey(masterKeyID)
	if !ok {
		return t, ErrUnknownKey
	}

	cipher := make([]byte, r.Len())
	if _, err := io.ReadFull(r, cipher); err != nil {
		return t, err
	}
	plain, err := Open(masterKey.Secret, cipher)
	if err != nil {
		return t, err
	}

	id, err := readIdentity(bytes.NewReader(plain))
	if err != nil {
		return t, err
	}
	t.UserIdentity = id
	return t, nil
}

// EncodeUserToken implements the user token byte layout:
// version:1 | siteKeyId:4 | encrypt_site( identity payload ), base64-wrapped.
func EncodeUserToken(t UserToken, kp KeyProvider) (string, error) {
	site, ok := kp.SiteKey(t.UserIdentity.SiteID)
	if !ok {
		return "", ErrUnknownKey
	}

	var identityBuf bytes.Buffer
	if err := writeIdentity(&identityBuf, t.UserIdentity); err != nil {
		return "", err
	}
	siteLayer, err := Seal(site.Secret, identityBuf.Bytes())
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	out.WriteByte(CurrentVersion)
	if err := binary.Write(&out, binary.BigEndian, site.ID); err != nil {
		return "", err
	}
	out.Write(siteLayer)

	return wrap(out.Bytes()), nil
}

// DecodeUserToken reverses EncodeUserToken.
func DecodeUserToken(s string, kp KeyProvider) (UserToken, error) {
	var t UserToken
	raw, err := unwrap(s)
	if err != nil {
		return t, err
	}
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return t, err
	}
	if version != CurrentVersion {
		return t, ErrVersionMismatch
	}
	t.Version = version

	var siteKeyID uint32
	if err := binary.Read(r, binary.BigEndian, &siteKeyID); err != nil {
		return t, err
	}
	siteKey, ok := kp.GetKey(siteKeyID)
	if !ok {
		return t, ErrUnknownKey
	}

	cipher := make([]byte, r.Len())
	if _, err := io.ReadFull(r, cipher); err != nil {
		return t, err
	}
	plain, err := Open(siteKey.Secret, cipher)
	if err != nil {
		return t, err
	}

	id, err := readIdentity(bytes.NewReader(plain))
	if err != nil {
		return t, err
	}
	t.UserIdentity = id
	return t, nil
}
