package core

import "sync"

// idAllocator hands out small integer ids and reclaims them on release,
// so a create-then-close-then-create sequence observes the same id
// again (spec §8 property 6, "context non-leak"). Adapted from the
// teacher's binary_tree_operations.go node-key allocation pattern,
// generalized into a free-list since no rbtree/ordered-map library
// appears anywhere in the example pack (see DESIGN.md).
type idAllocator struct {
	mu   sync.Mutex
	next uint64
	free []uint64
}

func (a *idAllocator) alloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	a.next++
	return a.next
}

func (a *idAllocator) release(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, id)
}

// MailboxContextTable is the data-service endpoint's bijection between
// mailbox addresses and data-service child-context ids (spec §3, §4.7):
// "each live mapping appears in both rbtrees; reference count >= 1." It
// is owned exclusively by the data-service endpoint fiber, so no lock is
// needed beyond the id allocator's own.
type MailboxContextTable struct {
	ids         idAllocator
	byMailbox   map[Address]uint64
	byContextID map[uint64]Address
	refcount    map[uint64]int
}

// NewMailboxContextTable returns an empty table.
func NewMailboxContextTable() *MailboxContextTable {
	return &MailboxContextTable{
		byMailbox:   make(map[Address]uint64),
		byContextID: make(map[uint64]Address),
		refcount:    make(map[uint64]int),
	}
}

// Open creates a new child-context id bound to mailbox, with an initial
// reference count of 1.
func (t *MailboxContextTable) Open(mailboxAddr Address) uint64 {
	id := t.ids.alloc()
	t.byMailbox[mailboxAddr] = id
	t.byContextID[id] = mailboxAddr
	t.refcount[id] = 1
	return id
}

// LookupByMailbox returns the child-context id bound to mailboxAddr.
func (t *MailboxContextTable) LookupByMailbox(mailboxAddr Address) (uint64, bool) {
	id, ok := t.byMailbox[mailboxAddr]
	return id, ok
}

// LookupByContextID returns the mailbox address bound to id.
func (t *MailboxContextTable) LookupByContextID(id uint64) (Address, bool) {
	addr, ok := t.byContextID[id]
	return addr, ok
}

// Close removes the mapping for mailboxAddr and reclaims its
// child-context id so a subsequent Open can reuse it (spec §8 property
// 6).
func (t *MailboxContextTable) Close(mailboxAddr Address) {
	id, ok := t.byMailbox[mailboxAddr]
	if !ok {
		return
	}
	delete(t.byMailbox, mailboxAddr)
	delete(t.byContextID, id)
	delete(t.refcount, id)
	t.ids.release(id)
}

// Len reports the number of live mappings, used by tests asserting
// translation-table non-leak (spec §8 property 4).
func (t *MailboxContextTable) Len() int { return len(t.byMailbox) }

// OffsetXlatEntry is a notification or extended-API translation entry
// (spec §3): it correlates a server-assigned offset back to the
// originating client mailbox and the client's own offset, so a response
// arriving keyed by server offset can be routed back and re-keyed to the
// client's numbering space.
type OffsetXlatEntry struct {
	ClientMailbox Address
	ServerOffset  uint64
	ClientOffset  uint32
}

// OffsetXlatTable is the bijective client/server offset translation
// table used by both the notification endpoint (spec §4.4) and the
// extended-API response router (spec §4.4). Offsets are assigned
// monotonically per owner, matching "Offsets monotonically assigned per
// sentinel; unique per sentinel" (spec §3). A table's insert side (one
// connection's requests) and take side (responses arriving on a
// separate read fiber) run as independent goroutines against the same
// table, so access is mutex-guarded rather than assumed single-owner.
type OffsetXlatTable struct {
	mu         sync.Mutex
	nextOffset uint64
	byServer   map[uint64]OffsetXlatEntry
}

// NewOffsetXlatTable returns an empty table.
func NewOffsetXlatTable() *OffsetXlatTable {
	return &OffsetXlatTable{byServer: make(map[uint64]OffsetXlatEntry)}
}

// Insert assigns a fresh server offset for (clientMailbox, clientOffset)
// and records the entry, returning the assigned offset.
func (t *OffsetXlatTable) Insert(clientMailbox Address, clientOffset uint32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextOffset++
	offset := t.nextOffset
	t.byServer[offset] = OffsetXlatEntry{
		ClientMailbox: clientMailbox,
		ServerOffset:  offset,
		ClientOffset:  clientOffset,
	}
	return offset
}

// Take removes and returns the entry for serverOffset, if present. This
// is the sole removal path (spec §8 property 4): an invalidation or
// response reaching the entry takes it, and at connection teardown
// runAcceptedConnection takes the notification entries the connection
// still holds. Extended-API entries whose target never responds are not
// swept at teardown.
func (t *OffsetXlatTable) Take(serverOffset uint64) (OffsetXlatEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byServer[serverOffset]
	if ok {
		delete(t.byServer, serverOffset)
	}
	return e, ok
}

// Len reports the number of outstanding entries.
func (t *OffsetXlatTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byServer)
}

// Entries returns a snapshot of all outstanding entries, used by
// runAcceptedConnection to sweep a connection's remaining notification
// translations at teardown.
func (t *OffsetXlatTable) Entries() []OffsetXlatEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OffsetXlatEntry, 0, len(t.byServer))
	for _, e := range t.byServer {
		out = append(out, e)
	}
	return out
}
