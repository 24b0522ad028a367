package core

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds both boxed and authenticated frame payloads,
// guarding against a malicious or confused peer claiming an enormous
// length prefix.
const MaxFrameSize = 16 * 1024 * 1024

// ReadBoxedFrame reads a length-prefixed opaque byte string: a 32-bit
// big-endian size followed by that many bytes (spec §6 "boxed frame").
// Used for all plain pre-handshake and supervisor/control frames.
func ReadBoxedFrame(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("wire: boxed frame too large (%d bytes)", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBoxedFrame writes payload as a boxed frame.
func WriteBoxedFrame(w io.Writer, payload []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// authenticatedFrame is the on-wire layout of an authenticated frame
// (spec §6): an 8-byte big-endian IV followed by the AEAD-sealed
// ciphertext (which itself carries the MAC, per chacha20poly1305's
// append-tag convention). It is boxed-framed at the transport level so
// the reader knows how many bytes to read before attempting to open it.
type authenticatedFrame struct {
	IV         uint64
	Ciphertext []byte
}

func encodeAuthenticatedFrame(f authenticatedFrame) []byte {
	buf := make([]byte, 8+len(f.Ciphertext))
	binary.BigEndian.PutUint64(buf[0:8], f.IV)
	copy(buf[8:], f.Ciphertext)
	return buf
}

func decodeAuthenticatedFrame(raw []byte) (authenticatedFrame, error) {
	if len(raw) < 8 {
		return authenticatedFrame{}, fmt.Errorf("wire: authenticated frame too short")
	}
	return authenticatedFrame{
		IV:         binary.BigEndian.Uint64(raw[0:8]),
		Ciphertext: raw[8:],
	}, nil
}

// IVTracker enforces the strict per-direction monotonicity invariant
// from spec §8 property 1. A session's tracker guards its read side and
// is owned solely by the protocol fiber reading client frames, so no
// lock is needed; the write side's IVs come from Session.NextServerIV
// instead.
type IVTracker struct {
	next uint64
	seen bool
}

// NewIVTracker starts a tracker whose Next begins at start (spec §4.3:
// client_iv starts at 0x1, server_iv at 0x8000000000000001). Accept
// does not compare the first inbound IV against start; it only
// enforces strict increase from then on.
func NewIVTracker(start uint64) *IVTracker {
	return &IVTracker{next: start}
}

// Next returns the IV to use for the next outbound frame and advances
// the tracker.
func (t *IVTracker) Next() uint64 {
	iv := t.next
	t.next++
	return iv
}

// Accept validates an inbound IV is strictly greater than every
// previously accepted IV on this direction, per spec §8 property 1.
func (t *IVTracker) Accept(iv uint64) error {
	if t.seen && iv <= t.next-1 {
		return fmt.Errorf("wire: non-monotonic IV %d (last %d)", iv, t.next-1)
	}
	t.next = iv + 1
	t.seen = true
	return nil
}

// WriteAuthenticatedFrame seals plaintext under iv and writes it as a
// boxed-framed authenticated frame (spec §6): the transport-level
// length prefix wraps the 8-byte IV plus AEAD ciphertext.
func WriteAuthenticatedFrame(w io.Writer, aead cipher.AEAD, iv uint64, plaintext []byte) error {
	ciphertext := SealFrame(aead, iv, plaintext)
	return WriteBoxedFrame(w, encodeAuthenticatedFrame(authenticatedFrame{IV: iv, Ciphertext: ciphertext}))
}

// ReadAuthenticatedFrame reads one boxed-framed authenticated frame,
// validates its IV against tracker, and opens it, returning the
// plaintext.
func ReadAuthenticatedFrame(r io.Reader, aead cipher.AEAD, tracker *IVTracker) ([]byte, error) {
	raw, err := ReadBoxedFrame(r)
	if err != nil {
		return nil, err
	}
	f, err := decodeAuthenticatedFrame(raw)
	if err != nil {
		return nil, err
	}
	if err := tracker.Accept(f.IV); err != nil {
		return nil, err
	}
	return OpenFrame(aead, f.IV, f.Ciphertext)
}
