package core

import (
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"
)

// AuthorizedEntity is one entry in the protocol service's authorized-
// entity dictionary (spec §3): a peer's identity, its long-term public
// keys, and the capability triples it holds. Keys are immutable once
// inserted (spec §3 invariant).
type AuthorizedEntity struct {
	ID               uuid.UUID
	EncryptionPubkey [EncryptionPublicKeySize]byte
	SigningPubkey    ed25519PubkeyBytes
	Capabilities     *TripleSet
}

// ed25519PubkeyBytes is sized to ed25519.PublicKey without importing the
// package here; keys.go already wraps the crypto/ed25519 types.
type ed25519PubkeyBytes = [SigningPublicKeySize]byte

// EntityDict is the authorized-entity dictionary (spec §3, §4.6). The
// source flags a possible timing side-channel comparing entity UUIDs
// during lookup (see spec §9's redesign note); since the dictionary key
// here is the same UUID presented on the wire during handshake, lookup
// compares every candidate in constant time rather than short-
// circuiting on the first byte mismatch.
type EntityDict struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]*AuthorizedEntity
}

// NewEntityDict returns an empty dictionary.
func NewEntityDict() *EntityDict {
	return &EntityDict{entities: make(map[uuid.UUID]*AuthorizedEntity)}
}

// Add inserts or replaces the entity at id.
func (d *EntityDict) Add(e *AuthorizedEntity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[e.ID] = e
}

// Lookup finds the authorized entity whose id constant-time-compares
// equal to id, per spec §9's redesign note. A Go map lookup by UUID
// value would short-circuit on the hash bucket and first differing
// byte; walking every candidate instead means the time this function
// takes does not depend on how many leading bytes of id matched any
// particular stored entity.
func (d *EntityDict) Lookup(id uuid.UUID) (*AuthorizedEntity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var found *AuthorizedEntity
	ok := 0
	for candidateID, candidate := range d.entities {
		if subtle.ConstantTimeCompare(candidateID[:], id[:]) == 1 {
			found = candidate
			ok = 1
		}
	}
	return found, ok == 1
}

// Remove deletes the entity at id, used at context teardown.
func (d *EntityDict) Remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entities, id)
}
