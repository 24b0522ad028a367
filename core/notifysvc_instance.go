package core

import "sync"

// assertionEntry is the unit of invalidation from spec §3: a
// client-request offset awaiting either a block-update invalidation or
// an explicit cancel.
type assertionEntry struct {
	offset uint32
}

// NotifyInstance is one attached socket's state (spec §2): its
// capability bitset and its ordered set of outstanding block-head
// assertions keyed by client-request offset. Its assertions map is
// guarded by its own mutex because BLOCK_UPDATE processing on a
// *different* instance's protocol fiber swaps it out concurrently with
// this instance's own protocol fiber potentially inserting a fresh
// assertion (spec §4.2, §5).
type NotifyInstance struct {
	Caps CapabilitySet

	// OutboundAddr is the mailbox address of this instance's outbound
	// endpoint fiber, the single writer for its socket (spec §4.5's
	// write-endpoint discipline, mirrored on the notification service
	// side).
	OutboundAddr Address

	mu         sync.Mutex
	assertions map[uint32]*assertionEntry
}

// NewNotifyInstance returns an instance with every capability granted
// (REDUCE_CAPS only ever narrows, per spec §4.2).
func NewNotifyInstance(outboundAddr Address) *NotifyInstance {
	return &NotifyInstance{
		Caps:         AllCapabilities(),
		OutboundAddr: outboundAddr,
		assertions:   make(map[uint32]*assertionEntry),
	}
}

// InsertAssertion adds an assertion entry keyed by clientOffset. Spec §3:
// "Offset unique within instance" — a duplicate offset replaces the
// prior entry, since the client protocol never reuses an offset for a
// still-outstanding request.
func (i *NotifyInstance) InsertAssertion(clientOffset uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.assertions[clientOffset] = &assertionEntry{offset: clientOffset}
}

// CancelAssertion removes the entry keyed by clientOffset, if present.
// Spec §4.2: "NOT_FOUND is folded into success," so the bool return is
// for test/property assertions only, not response-status derivation.
func (i *NotifyInstance) CancelAssertion(clientOffset uint32) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.assertions[clientOffset]
	delete(i.assertions, clientOffset)
	return ok
}

// swapOutAssertions atomically replaces this instance's assertion map
// with a fresh empty one and returns the entries that were outstanding
// at the moment of the swap, for the BLOCK_UPDATE invalidation wave
// (spec §4.2, §8 property 5).
func (i *NotifyInstance) swapOutAssertions() []*assertionEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*assertionEntry, 0, len(i.assertions))
	for _, e := range i.assertions {
		out = append(out, e)
	}
	i.assertions = make(map[uint32]*assertionEntry)
	return out
}

// AssertionCount reports the number of outstanding assertions, used by
// tests.
func (i *NotifyInstance) AssertionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.assertions)
}
