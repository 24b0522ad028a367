package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RequestID is the client protocol's request_id space (spec §6). It
// reuses Verb's numbering: every client request id also names the verb
// that gates it, so a single enum serves both purposes (spec.md §9's
// redesign note collapses the source's UUID-typed verb space into this
// fixed enum).
type RequestID = Verb

const (
	ReqHandshakeInitiate RequestID = 100 + iota
	ReqHandshakeAck
)

// ClientRequest is a decoded post-handshake client request (spec §6):
// `request_id:u32 | request_offset:u32 | request_payload`.
type ClientRequest struct {
	RequestID RequestID
	Offset    uint32
	Payload   []byte
}

// ClientResponse is a decoded client response: `request_id:u32 |
// status:u32 | client_offset:u32 | response_payload`.
type ClientResponse struct {
	RequestID RequestID
	Status    Status
	Offset    uint32
	Payload   []byte
}

// EncodeClientRequest lays out a ClientRequest for the authenticated
// frame payload.
func EncodeClientRequest(req ClientRequest) []byte {
	buf := make([]byte, 8+len(req.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(req.RequestID))
	binary.BigEndian.PutUint32(buf[4:8], req.Offset)
	copy(buf[8:], req.Payload)
	return buf
}

// DecodeClientRequest parses an authenticated frame payload into a
// ClientRequest.
func DecodeClientRequest(raw []byte) (ClientRequest, error) {
	if len(raw) < 8 {
		return ClientRequest{}, fmt.Errorf("protocolsvc: request too short")
	}
	return ClientRequest{
		RequestID: RequestID(binary.BigEndian.Uint32(raw[0:4])),
		Offset:    binary.BigEndian.Uint32(raw[4:8]),
		Payload:   raw[8:],
	}, nil
}

// EncodeClientResponse lays out a ClientResponse for the authenticated
// frame payload.
func EncodeClientResponse(resp ClientResponse) []byte {
	buf := make([]byte, 12+len(resp.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(resp.RequestID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(resp.Status))
	binary.BigEndian.PutUint32(buf[8:12], resp.Offset)
	copy(buf[12:], resp.Payload)
	return buf
}

// DecodeClientResponse parses a frame payload into a ClientResponse.
func DecodeClientResponse(raw []byte) (ClientResponse, error) {
	if len(raw) < 12 {
		return ClientResponse{}, fmt.Errorf("protocolsvc: response too short")
	}
	return ClientResponse{
		RequestID: RequestID(binary.BigEndian.Uint32(raw[0:4])),
		Status:    Status(binary.BigEndian.Uint32(raw[4:8])),
		Offset:    binary.BigEndian.Uint32(raw[8:12]),
		Payload:   raw[12:],
	}, nil
}

// HandshakeInitiateReq is step 1 of the handshake (spec §4.3), read
// plain and boxed-framed.
type HandshakeInitiateReq struct {
	Offset             uint32
	ProtocolVersion    uint32
	CryptoSuite        uint32
	EntityID           [16]byte
	ClientKeyNonce     []byte
	ClientChallenge    []byte
}

// ProtocolVersion1 and CryptoSuiteVeloV1 are the only values this
// service accepts (spec §4.3 step 1).
const (
	ProtocolVersion1  = 0x00000001
	CryptoSuiteVeloV1 = 0x00000001

	handshakeNonceSize = 32
)

// EncodeHandshakeInitiateReq lays out step 1's plaintext body.
func EncodeHandshakeInitiateReq(req HandshakeInitiateReq) []byte {
	buf := make([]byte, 16+16+len(req.ClientKeyNonce)+len(req.ClientChallenge))
	binary.BigEndian.PutUint32(buf[0:4], uint32(ReqHandshakeInitiate))
	binary.BigEndian.PutUint32(buf[4:8], req.Offset)
	binary.BigEndian.PutUint32(buf[8:12], req.ProtocolVersion)
	binary.BigEndian.PutUint32(buf[12:16], req.CryptoSuite)
	copy(buf[16:32], req.EntityID[:])
	off := 32
	off += copy(buf[off:], req.ClientKeyNonce)
	copy(buf[off:], req.ClientChallenge)
	return buf
}

// DecodeHandshakeInitiateReq parses step 1's plaintext body, validating
// the fixed-value fields per spec §4.3 ("any field mismatch or size
// mismatch -> unencrypted error response, then fiber exit").
func DecodeHandshakeInitiateReq(raw []byte) (HandshakeInitiateReq, Status) {
	const fixedSize = 16 + 16
	want := fixedSize + 2*handshakeNonceSize
	if len(raw) != want {
		return HandshakeInitiateReq{}, StatusMalformedRequest
	}

	reqID := RequestID(binary.BigEndian.Uint32(raw[0:4]))
	offset := binary.BigEndian.Uint32(raw[4:8])
	version := binary.BigEndian.Uint32(raw[8:12])
	suite := binary.BigEndian.Uint32(raw[12:16])

	if reqID != ReqHandshakeInitiate || offset != 0 {
		return HandshakeInitiateReq{}, StatusMalformedRequest
	}
	if version != ProtocolVersion1 || suite != CryptoSuiteVeloV1 {
		return HandshakeInitiateReq{}, StatusMalformedRequest
	}

	var entityID [16]byte
	copy(entityID[:], raw[16:32])

	clientKeyNonce := append([]byte(nil), raw[32:32+handshakeNonceSize]...)
	clientChallenge := append([]byte(nil), raw[32+handshakeNonceSize:]...)

	return HandshakeInitiateReq{
		Offset:          offset,
		ProtocolVersion: version,
		CryptoSuite:     suite,
		EntityID:        entityID,
		ClientKeyNonce:  clientKeyNonce,
		ClientChallenge: clientChallenge,
	}, StatusSuccess
}

// ReadBoxedJSON-equivalent helpers for the handshake's plain boxed
// frames: thin wrappers around core/wire.go so handshake code doesn't
// duplicate frame I/O.
func readBoxed(r io.Reader) ([]byte, error) { return ReadBoxedFrame(r) }
func writeBoxed(w io.Writer, p []byte) error { return WriteBoxedFrame(w, p) }
