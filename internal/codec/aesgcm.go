package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// ErrCiphertextTooShort is returned by Open when the input is shorter than
// the nonce the AES-GCM mode requires.
var ErrCiphertextTooShort = errors.New("codec: ciphertext shorter than nonce")

// Seal encrypts plaintext under key with a fresh random nonce, prefixing the
// nonce to the ciphertext: nonce || AES-GCM(plaintext). This is the "layered
// symmetric encryption" primitive both the master-key and site-key layers of
// the Token Codec build on, and the one the refresh response body uses
// keyed by the envelope's refresh_response_key.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal: the first gcm.NonceSize() bytes of data are the nonce,
// the remainder is the AES-GCM ciphertext+tag.
func Open(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
