package codec

import "errors"

// ErrUnknownKey is returned by the Encode* and Decode* functions when the
// KeyProvider has no key for the id they need (GetKey, MasterKey or SiteKey
// reports false).
var ErrUnknownKey = errors.New("codec: unknown key id")

// Key is a symmetric key with a directory-assigned numeric id. The master
// key (id embedded at the outer layer of every token) and each site's key
// (id embedded at the inner layer of advertising/user tokens) are both Key
// values; only their role in a given Encode/Decode call distinguishes them.
type Key struct {
	ID     uint32
	Secret []byte
}

// KeyProvider is the salt/key directory's contract with the codec: fetch a
// key by the id embedded in a token. The directory itself (rotation policy,
// persistence) is a separate concern the codec never implements; production
// callers get one from internal/keydirectory.
type KeyProvider interface {
	GetKey(id uint32) (Key, bool)
	// MasterKey returns the currently active master key, used as the outer
	// encryption layer when encoding new tokens.
	MasterKey() (Key, bool)
	// SiteKey returns the currently active key for siteID, used as the
	// inner encryption layer when encoding new tokens.
	SiteKey(siteID uint32) (Key, bool)
}

// StaticKeyProvider is an in-memory KeyProvider for tests and for the
// operator simulator: a fixed set of keys with one designated master and
// one active key per site.
type StaticKeyProvider struct {
	keys      map[uint32]Key
	masterID  uint32
	siteKeyID map[uint32]uint32
}

// NewStaticKeyProvider builds a StaticKeyProvider with master as the active
// master key. Use AddSiteKey to register per-site keys.
func NewStaticKeyProvider(master Key) *StaticKeyProvider {
	p := &StaticKeyProvider{
		keys:      map[uint32]Key{master.ID: master},
		masterID:  master.ID,
		siteKeyID: map[uint32]uint32{},
	}
	return p
}

// AddSiteKey registers key as the active key for siteID.
func (p *StaticKeyProvider) AddSiteKey(siteID uint32, key Key) {
	p.keys[key.ID] = key
	p.siteKeyID[siteID] = key.ID
}

// GetKey implements KeyProvider.
func (p *StaticKeyProvider) GetKey(id uint32) (Key, bool) {
	k, ok := p.keys[id]
	return k, ok
}

// MasterKey implements KeyProvider.
func (p *StaticKeyProvider) MasterKey() (Key, bool) {
	return p.GetKey(p.masterID)
}

// SiteKey implements KeyProvider.
func (p *StaticKeyProvider) SiteKey(siteID uint32) (Key, bool) {
	id, ok := p.siteKeyID[siteID]
	if !ok {
		return Key{}, false
	}
	return p.GetKey(id)
}
