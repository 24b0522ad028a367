package core

import (
	"github.com/google/uuid"
)

// Verb enumerates the request-level operations a capability can gate.
// This mirrors the source's BITCAP-indexed capability enum; Go gives us
// a plain typed constant instead of a preprocessor bit index.
type Verb int

const (
	VerbReduceCaps Verb = iota
	VerbBlockUpdate
	VerbBlockAssertion
	VerbBlockAssertionCancel
	VerbLatestBlockIDGet
	VerbTransactionSubmit
	VerbBlockByIDGet
	VerbBlockIDGetNext
	VerbBlockIDGetPrev
	VerbBlockIDByHeightGet
	VerbTransactionByIDGet
	VerbTransactionIDGetNext
	VerbTransactionIDGetPrev
	VerbTransactionIDGetBlockID
	VerbArtifactFirstTxnByIDGet
	VerbArtifactLastTxnByIDGet
	VerbAssertLatestBlockID
	VerbAssertLatestBlockIDCancel
	VerbExtendedAPIEnable
	VerbExtendedAPISendrecv
	VerbExtendedAPISendresp
	VerbStatusGet
	VerbClose

	verbCount
)

var verbNames = map[string]Verb{
	"reduce-caps":               VerbReduceCaps,
	"block-update":              VerbBlockUpdate,
	"block-assertion":           VerbBlockAssertion,
	"block-assertion-cancel":    VerbBlockAssertionCancel,
	"latest-block-id-get":       VerbLatestBlockIDGet,
	"transaction-submit":        VerbTransactionSubmit,
	"block-by-id-get":           VerbBlockByIDGet,
	"block-id-get-next":         VerbBlockIDGetNext,
	"block-id-get-prev":         VerbBlockIDGetPrev,
	"block-id-by-height-get":    VerbBlockIDByHeightGet,
	"transaction-by-id-get":     VerbTransactionByIDGet,
	"transaction-id-get-next":   VerbTransactionIDGetNext,
	"transaction-id-get-prev":   VerbTransactionIDGetPrev,
	"transaction-id-get-block-id": VerbTransactionIDGetBlockID,
	"artifact-first-txn-by-id-get": VerbArtifactFirstTxnByIDGet,
	"artifact-last-txn-by-id-get":  VerbArtifactLastTxnByIDGet,
	"assert-latest-block-id":        VerbAssertLatestBlockID,
	"assert-latest-block-id-cancel": VerbAssertLatestBlockIDCancel,
	"extended-api-enable":           VerbExtendedAPIEnable,
	"extended-api-sendrecv":         VerbExtendedAPISendrecv,
	"extended-api-sendresp":         VerbExtendedAPISendresp,
	"status-get":                    VerbStatusGet,
	"close":                         VerbClose,
}

// VerbByName looks up a Verb by its kebab-case control-plane name, used
// by cmd/agentctl to accept human-readable verb names on the command
// line.
func VerbByName(name string) (Verb, bool) {
	v, ok := verbNames[name]
	return v, ok
}

// CapabilitySet is a fixed-size bitset indexed by Verb, used by the
// notification service instance for the per-connection REDUCE_CAPS gate
// (spec §4.2). Adapted from the teacher's role-based AccessController
// (core/access_control.go in the pack), generalized from string roles to
// a fixed enum so it can be represented as a plain bit array rather than
// a map.
type CapabilitySet struct {
	bits [verbCount]bool
}

// AllCapabilities returns a set with every verb granted, the instance's
// initial state before any REDUCE_CAPS narrows it.
func AllCapabilities() CapabilitySet {
	var c CapabilitySet
	for i := range c.bits {
		c.bits[i] = true
	}
	return c
}

// Has reports whether v is set.
func (c CapabilitySet) Has(v Verb) bool {
	if v < 0 || int(v) >= len(c.bits) {
		return false
	}
	return c.bits[v]
}

// Intersect narrows c to the verbs present in both c and other, the
// REDUCE_CAPS operation from spec §4.2. It never grants verbs c did not
// already have.
func (c *CapabilitySet) Intersect(other CapabilitySet) {
	for i := range c.bits {
		c.bits[i] = c.bits[i] && other.bits[i]
	}
}

// CapabilitySetFromBits decodes a wire capability bitset payload (one
// byte per 8 verbs, LSB-first) into a CapabilitySet. Returns
// StatusMalformedRequest if payload has the wrong length.
func CapabilitySetFromBits(payload []byte) (CapabilitySet, Status) {
	want := (int(verbCount) + 7) / 8
	if len(payload) != want {
		return CapabilitySet{}, StatusMalformedRequest
	}
	var c CapabilitySet
	for v := Verb(0); int(v) < int(verbCount); v++ {
		byteIdx := int(v) / 8
		bitIdx := uint(v) % 8
		if payload[byteIdx]&(1<<bitIdx) != 0 {
			c.bits[v] = true
		}
	}
	return c, StatusSuccess
}

// CapabilityTriple is a (subject, verb, object) authorization triple from
// spec §3: "subject" is the calling entity, "object" is normally the
// agent's own UUID, and membership defines whether subject may invoke
// verb against object.
type CapabilityTriple struct {
	Subject uuid.UUID
	Verb    Verb
	Object  uuid.UUID
}

// key produces the 40-byte composite key for this triple, per spec §9's
// redesign note for the triple-keyed authorized-entity capability set
// (16 bytes subject + 4 bytes big-endian verb + 16 bytes object, with
// the last 4 bytes left zero).
type tripleKey [40]byte

func (t CapabilityTriple) key() tripleKey {
	var k tripleKey
	copy(k[0:16], t.Subject[:])
	k[16] = byte(t.Verb >> 24)
	k[17] = byte(t.Verb >> 16)
	k[18] = byte(t.Verb >> 8)
	k[19] = byte(t.Verb)
	copy(k[20:36], t.Object[:])
	return k
}

// TripleSet is the authorized-entity capability tree from spec §3: an
// unordered set (a Go map) of composite keys, membership tested for
// exact match.
type TripleSet struct {
	entries map[tripleKey]struct{}
}

// NewTripleSet returns an empty TripleSet.
func NewTripleSet() *TripleSet {
	return &TripleSet{entries: make(map[tripleKey]struct{})}
}

// Add inserts a capability triple.
func (t *TripleSet) Add(c CapabilityTriple) {
	t.entries[c.key()] = struct{}{}
}

// Contains tests for exact membership.
func (t *TripleSet) Contains(c CapabilityTriple) bool {
	_, ok := t.entries[c.key()]
	return ok
}
