package core

import (
	"encoding/binary"
	"io"
)

// DataServiceClient is the synchronous psock-style connection to the
// out-of-process storage engine (spec §1, §4.7's "external
// collaborator"). The data service's own request/response schema per
// request type is out of scope (spec §1 non-goal: "block/transaction
// semantics ... beyond what the protocol surface exposes"); this client
// only implements the envelope the endpoint needs: open a child
// context, close it, and forward an opaque request tagged with a
// context id, getting back an opaque status-prefixed response.
type DataServiceClient struct {
	Conn io.ReadWriter
}

// dataserviceOpCode mirrors the data service's own internal API ids
// closely enough to drive the boxed-frame envelope; the exact numeric
// values are an external contract the supervisor configures both
// processes with, so they are deliberately kept in one place.
type dataserviceOpCode uint32

const (
	dataserviceOpContextOpen dataserviceOpCode = iota + 1
	dataserviceOpContextClose
	dataserviceOpRequest
)

// OpenContext sends a child-context-create request carrying capsBuffer
// (the capability bytes mapped from the authenticated entity, spec
// §4.4) and returns the assigned child-context id.
func (c *DataServiceClient) OpenContext(capsBuffer []byte) (uint64, Status, error) {
	req := make([]byte, 4+len(capsBuffer))
	binary.BigEndian.PutUint32(req[0:4], uint32(dataserviceOpContextOpen))
	copy(req[4:], capsBuffer)
	if err := WriteBoxedFrame(c.Conn, req); err != nil {
		return 0, StatusIOError, err
	}

	raw, err := ReadBoxedFrame(c.Conn)
	if err != nil {
		return 0, StatusIOError, err
	}
	if len(raw) != 12 {
		return 0, StatusIOError, errShortDataserviceResponse
	}
	status := Status(binary.BigEndian.Uint32(raw[0:4]))
	childID := binary.BigEndian.Uint64(raw[4:12])
	return childID, status, nil
}

// CloseContext sends a child-context-close request for childID.
func (c *DataServiceClient) CloseContext(childID uint64) (Status, error) {
	req := make([]byte, 12)
	binary.BigEndian.PutUint32(req[0:4], uint32(dataserviceOpContextClose))
	binary.BigEndian.PutUint64(req[4:12], childID)
	if err := WriteBoxedFrame(c.Conn, req); err != nil {
		return StatusIOError, err
	}

	raw, err := ReadBoxedFrame(c.Conn)
	if err != nil {
		return StatusIOError, err
	}
	if len(raw) != 4 {
		return StatusIOError, errShortDataserviceResponse
	}
	return Status(binary.BigEndian.Uint32(raw[0:4])), nil
}

// ForwardRequest rewrites the child-context-id field of raw (bytes 4:8,
// per spec §4.7 "rewrites bytes 4..8 of the raw request to that id") to
// childID and forwards it to the data service, returning the raw
// response bytes unmodified for the write endpoint to re-encode. The
// field is a 4-byte context id on the wire, matching the data service's
// own context comparator.
func (c *DataServiceClient) ForwardRequest(childID uint64, raw []byte) ([]byte, error) {
	if len(raw) < 8 {
		raw = append(append([]byte(nil), raw...), make([]byte, 8-len(raw))...)
	}
	out := append([]byte(nil), raw...)
	binary.BigEndian.PutUint32(out[4:8], uint32(childID))

	if err := WriteBoxedFrame(c.Conn, out); err != nil {
		return nil, err
	}
	return ReadBoxedFrame(c.Conn)
}

var errShortDataserviceResponse = NewStatusError("dataservice.response", StatusIOError, nil)

// decodeDataserviceResponse turns a raw data-service response into a
// client-protocol response payload. Every pass-through request type
// shares the same envelope convention here (status:u32 | payload),
// since per-request-type schemas belong to the data service, which this
// module only forwards to (spec §1 non-goal).
func decodeDataserviceResponse(reqID RequestID, raw []byte) ([]byte, Status) {
	if len(raw) < 4 {
		return nil, StatusIOError
	}
	status := Status(binary.BigEndian.Uint32(raw[0:4]))
	return raw[4:], status
}
