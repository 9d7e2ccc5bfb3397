// ABOUTME: Identity cache mapping peer identities to trusted public keys.
// ABOUTME: A cached key is replaced only by a certificate with a strictly greater serial.

package secchan

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"sync"
)

// identityEntry pairs a trusted public key with the serial of the
// certificate that delivered it.
type identityEntry struct {
	pub    *rsa.PublicKey
	serial int64
}

// IdentityCache holds the currently trusted public key per peer identity.
// It is process-scoped, injected state: tests can run several independent
// caches in one process.
type IdentityCache struct {
	mu      sync.RWMutex
	entries map[string]identityEntry
}

// NewIdentityCache returns an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{entries: make(map[string]identityEntry)}
}

// Put installs a public key for identity. A key already cached for the
// identity is replaced only if serial is strictly greater than the cached
// serial; otherwise Put returns false and the cache is unchanged. This is
// what prevents a revoked certificate being downgraded back in.
func (c *IdentityCache) Put(identity string, pub *rsa.PublicKey, serial int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[identity]; ok && serial <= cur.serial {
		return false
	}
	c.entries[identity] = identityEntry{pub: pub, serial: serial}
	return true
}

// Get returns the trusted public key for identity, or false if none is cached.
func (c *IdentityCache) Get(identity string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[identity]
	if !ok {
		return nil, false
	}
	return e.pub, true
}

// Serial returns the serial of the cached certificate for identity, or -1.
func (c *IdentityCache) Serial(identity string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[identity]
	if !ok {
		return -1
	}
	return e.serial
}

// IdentityForKey derives the stable identity string for a public key:
// a hex SHA-256 fingerprint of the DER encoding, prefixed for readability.
func IdentityForKey(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// Marshaling an rsa.PublicKey cannot fail with a well-formed key.
		panic(err)
	}
	sum := sha256.Sum256(der)
	return "agent-" + hex.EncodeToString(sum[:8])
}
