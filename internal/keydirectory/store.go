// Package keydirectory is a Redis-backed implementation of the salt/key
// directory external collaborator. The core codec never imports this
// package directly — it only ever sees a codec.KeyProvider snapshot — but
// the operator-side simulator (cmd/uid2-operator-sim) and
// integration tests use it as a realistic stand-in for the production key
// store, the way the original Java IKeyStore.getSnapshot() pattern separates
// a possibly-remote directory from the point-in-time view code encrypts
// against.
package keydirectory

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/uid2/identitycore/internal/codec"
)

const (
	keyHashSuffix     = ":keys"
	masterIDKeySuffix = ":master"
	siteHashSuffix    = ":sites"
)

// Store is a Redis-backed key directory: a hash of key id -> secret bytes,
// a string holding the active master key id, and a hash of site id ->
// active site key id.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New returns a Store using client, namespacing all keys under prefix (so a
// single Redis instance can host multiple directories in tests).
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "uid2:keydir"
	}
	return &Store{redis: client, prefix: prefix}
}

// PutKey stores key in the directory.
func (s *Store) PutKey(ctx context.Context, key codec.Key) error {
	return s.redis.HSet(ctx, s.prefix+keyHashSuffix, strconv.FormatUint(uint64(key.ID), 10), key.Secret).Err()
}

// SetMasterKey marks id as the active master key.
func (s *Store) SetMasterKey(ctx context.Context, id uint32) error {
	return s.redis.Set(ctx, s.prefix+masterIDKeySuffix, id, 0).Err()
}

// SetSiteKey marks keyID as the active key for siteID.
func (s *Store) SetSiteKey(ctx context.Context, siteID, keyID uint32) error {
	return s.redis.HSet(ctx, s.prefix+siteHashSuffix, strconv.FormatUint(uint64(siteID), 10), keyID).Err()
}

// Snapshot loads the full directory into an in-memory codec.KeyProvider,
// mirroring IKeyStore.getSnapshot() in the server this was distilled from:
// encode/decode always runs against a consistent point-in-time view rather
// than making a Redis round trip per field.
func (s *Store) Snapshot(ctx context.Context) (*codec.StaticKeyProvider, error) {
	rawMasterID, err := s.redis.Get(ctx, s.prefix+masterIDKeySuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("keydirectory: load master key id: %w", err)
	}
	masterID, err := strconv.ParseUint(rawMasterID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("keydirectory: parse master key id: %w", err)
	}

	keySecrets, err := s.redis.HGetAll(ctx, s.prefix+keyHashSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("keydirectory: load keys: %w", err)
	}

	masterSecret, ok := keySecrets[strconv.FormatUint(masterID, 10)]
	if !ok {
		return nil, fmt.Errorf("keydirectory: master key %d has no stored secret", masterID)
	}
	provider := codec.NewStaticKeyProvider(codec.Key{ID: uint32(masterID), Secret: []byte(masterSecret)})

	siteKeyIDs, err := s.redis.HGetAll(ctx, s.prefix+siteHashSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("keydirectory: load site key assignments: %w", err)
	}
	for rawSiteID, rawKeyID := range siteKeyIDs {
		siteID, err := strconv.ParseUint(rawSiteID, 10, 32)
		if err != nil {
			continue
		}
		keyID, err := strconv.ParseUint(rawKeyID, 10, 32)
		if err != nil {
			continue
		}
		secret, ok := keySecrets[rawKeyID]
		if !ok {
			continue
		}
		provider.AddSiteKey(uint32(siteID), codec.Key{ID: uint32(keyID), Secret: []byte(secret)})
	}

	return provider, nil
}

// NewRandomKeyID derives a 32-bit key id from a byte seed: the first four
// bytes of seed read big-endian, zero-padded when seed is shorter. Seeds
// that share their first four bytes yield the same id.
func NewRandomKeyID(seed []byte) uint32 {
	if len(seed) < 4 {
		padded := make([]byte, 4)
		copy(padded, seed)
		seed = padded
	}
	return binary.BigEndian.Uint32(seed[:4])
}
