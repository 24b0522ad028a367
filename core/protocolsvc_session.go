package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session is the per-connection state shared by a protocol fiber and
// its write-endpoint fiber (spec §3: "Connection session"). It is
// reference-counted because both fibers hold it and release it
// independently; it is torn down only once both have released (spec
// §4.5).
type Session struct {
	PeerID uuid.UUID
	Entity *AuthorizedEntity

	SharedSecret SharedSecret
	ClientIVs    *IVTracker
	ServerIV     uint64

	DataContextOpened bool
	ExtendedAPIEnabled bool
	ShutdownRequested bool

	// assertOffset is the notify-service server offset assigned to this
	// connection's outstanding ASSERT_LATEST_BLOCK_ID request, if any
	// (mirrors the source's ctx->latest_block_id_assertion_server_offset).
	// A CANCEL for the same connection must reuse it rather than being
	// assigned a fresh offset, since the notification service keys a
	// pending assertion by the offset it was given at assert time.
	assertOffset      uint64
	assertOutstanding bool

	refcount int32
	mu       sync.Mutex
}

// NewSession returns a fresh session for an accepted connection, before
// the handshake has run.
func NewSession() *Session {
	s := &Session{refcount: 1}
	return s
}

// Retain increments the reference count, used when the write-endpoint
// fiber takes its own reference at spawn time.
func (s *Session) Retain() {
	atomic.AddInt32(&s.refcount, 1)
}

// Release decrements the reference count and reports whether this was
// the final reference (the caller should then finish tearing down
// anything session-owned, e.g. zeroing the shared secret).
func (s *Session) Release() bool {
	if atomic.AddInt32(&s.refcount, -1) == 0 {
		s.mu.Lock()
		s.SharedSecret.Zero()
		s.mu.Unlock()
		return true
	}
	return false
}

// NextServerIV returns the IV to use for the next server-to-client
// authenticated frame and advances it (spec §4.3: "increments
// server_iv" after each write).
func (s *Session) NextServerIV() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv := s.ServerIV
	s.ServerIV++
	return iv
}

// SetAssertionOffset records the server offset assigned to a freshly
// forwarded ASSERT_LATEST_BLOCK_ID request, replacing any prior one.
func (s *Session) SetAssertionOffset(offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertOffset = offset
	s.assertOutstanding = true
}

// TakeAssertionOffset returns and clears the outstanding assertion's
// server offset, reporting false if there is none to cancel.
func (s *Session) TakeAssertionOffset() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assertOutstanding {
		return 0, false
	}
	offset := s.assertOffset
	s.assertOutstanding = false
	return offset, true
}
