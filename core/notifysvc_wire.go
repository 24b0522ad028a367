package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// NotifyMethodID enumerates the notification service's method ids (spec
// §6).
type NotifyMethodID uint32

const (
	NotifyMethodReduceCaps NotifyMethodID = iota + 1
	NotifyMethodBlockUpdate
	NotifyMethodBlockAssertion
	NotifyMethodBlockAssertionCancel
)

// BlockIDSize is the fixed size of a block id (spec §6: "16 bytes (block
// id) for BLOCK_UPDATE and BLOCK_ASSERTION").
const BlockIDSize = 16

// BlockID is an opaque 16-byte block identifier. Block/transaction
// semantics are explicitly out of scope (spec §1); agentd never
// interprets the bytes beyond equality comparison.
type BlockID [BlockIDSize]byte

// NotifyRequest is a decoded notification-service request: method_id,
// the client-request offset used to correlate a deferred response, and
// a method-specific payload.
type NotifyRequest struct {
	Method  NotifyMethodID
	Offset  uint32
	Payload []byte
}

// NotifyResponse is a decoded notification-service response.
type NotifyResponse struct {
	Method NotifyMethodID
	Offset uint32
	Status Status
}

// EncodeNotifyRequest lays out method_id:u32 | offset:u32 | payload, the
// same header shape as the client protocol (spec §6), boxed-framed.
func EncodeNotifyRequest(req NotifyRequest) []byte {
	buf := make([]byte, 8+len(req.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(req.Method))
	binary.BigEndian.PutUint32(buf[4:8], req.Offset)
	copy(buf[8:], req.Payload)
	return buf
}

// DecodeNotifyRequest parses a boxed-frame payload into a NotifyRequest.
func DecodeNotifyRequest(raw []byte) (NotifyRequest, error) {
	if len(raw) < 8 {
		return NotifyRequest{}, fmt.Errorf("notifysvc: request too short")
	}
	return NotifyRequest{
		Method:  NotifyMethodID(binary.BigEndian.Uint32(raw[0:4])),
		Offset:  binary.BigEndian.Uint32(raw[4:8]),
		Payload: raw[8:],
	}, nil
}

// EncodeNotifyResponse lays out method_id:u32 | status:u32 | offset:u32,
// matching the client protocol response header shape (spec §6).
func EncodeNotifyResponse(resp NotifyResponse) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(resp.Method))
	binary.BigEndian.PutUint32(buf[4:8], uint32(resp.Status))
	binary.BigEndian.PutUint32(buf[8:12], resp.Offset)
	return buf[:]
}

// DecodeNotifyResponse parses a boxed-frame payload into a
// NotifyResponse.
func DecodeNotifyResponse(raw []byte) (NotifyResponse, error) {
	if len(raw) != 12 {
		return NotifyResponse{}, fmt.Errorf("notifysvc: response malformed")
	}
	return NotifyResponse{
		Method: NotifyMethodID(binary.BigEndian.Uint32(raw[0:4])),
		Status: Status(binary.BigEndian.Uint32(raw[4:8])),
		Offset: binary.BigEndian.Uint32(raw[8:12]),
	}, nil
}

// ReadNotifyRequest reads and decodes one boxed-framed request.
func ReadNotifyRequest(r io.Reader) (NotifyRequest, error) {
	raw, err := ReadBoxedFrame(r)
	if err != nil {
		return NotifyRequest{}, err
	}
	return DecodeNotifyRequest(raw)
}

// WriteNotifyRequest boxed-frames and writes req.
func WriteNotifyRequest(w io.Writer, req NotifyRequest) error {
	return WriteBoxedFrame(w, EncodeNotifyRequest(req))
}

// ReadNotifyResponse reads and decodes one boxed-framed response.
func ReadNotifyResponse(r io.Reader) (NotifyResponse, error) {
	raw, err := ReadBoxedFrame(r)
	if err != nil {
		return NotifyResponse{}, err
	}
	return DecodeNotifyResponse(raw)
}

// WriteNotifyResponse boxed-frames and writes resp.
func WriteNotifyResponse(w io.Writer, resp NotifyResponse) error {
	return WriteBoxedFrame(w, EncodeNotifyResponse(resp))
}
