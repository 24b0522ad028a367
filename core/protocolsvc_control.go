package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ControlMethodID enumerates the supervisor's control-plane commands
// (spec §4.6): entity provisioning, capability grants, long-term key
// installation, and graceful shutdown request.
type ControlMethodID uint32

const (
	ControlAuthEntityAdd ControlMethodID = iota + 1
	ControlAuthEntityCapAdd
	ControlPrivateKeySet
	ControlFinalize
)

// controlRequestHeader is the fixed-width prefix of every control frame:
// method_id | offset, followed by a method-specific payload (spec §4.6).
type controlRequestHeader struct {
	Method ControlMethodID
	Offset uint32
}

func decodeControlHeader(raw []byte) (controlRequestHeader, []byte, Status) {
	if len(raw) < 8 {
		return controlRequestHeader{}, nil, StatusMalformedRequest
	}
	return controlRequestHeader{
		Method: ControlMethodID(binary.BigEndian.Uint32(raw[0:4])),
		Offset: binary.BigEndian.Uint32(raw[4:8]),
	}, raw[8:], StatusSuccess
}

// encodeControlResponse always produces method_id | offset(=0) | status,
// even for FINALIZE, since the control fiber replies before tearing
// itself down (spec SUPPLEMENTED FEATURES).
func encodeControlResponse(method ControlMethodID, status Status) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(method))
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], uint32(status))
	return buf
}

// authEntityAddReq is AUTH_ENTITY_ADD(offset, enc_pubkey_len,
// sign_pubkey_len, entity_uuid, enc_pubkey, sign_pubkey) (spec §4.6).
type authEntityAddReq struct {
	EntityID   uuid.UUID
	EncPubkey  [EncryptionPublicKeySize]byte
	SignPubkey ed25519PubkeyBytes
}

func decodeAuthEntityAddReq(payload []byte) (authEntityAddReq, Status) {
	if len(payload) < 8 {
		return authEntityAddReq{}, StatusMalformedRequest
	}
	encLen := binary.BigEndian.Uint32(payload[0:4])
	signLen := binary.BigEndian.Uint32(payload[4:8])
	if encLen != EncryptionPublicKeySize || signLen != SigningPublicKeySize {
		return authEntityAddReq{}, StatusMalformedRequest
	}
	rest := payload[8:]
	want := 16 + int(encLen) + int(signLen)
	if len(rest) != want {
		return authEntityAddReq{}, StatusMalformedRequest
	}

	id, err := uuid.FromBytes(rest[0:16])
	if err != nil {
		return authEntityAddReq{}, StatusMalformedRequest
	}
	var req authEntityAddReq
	req.EntityID = id
	copy(req.EncPubkey[:], rest[16:16+encLen])
	copy(req.SignPubkey[:], rest[16+encLen:16+encLen+signLen])
	return req, StatusSuccess
}

// authEntityCapAddReq is AUTH_ENTITY_CAP_ADD(offset, entity_uuid,
// subject, verb, object) (spec §4.6).
type authEntityCapAddReq struct {
	EntityID uuid.UUID
	Triple   CapabilityTriple
}

func decodeAuthEntityCapAddReq(payload []byte) (authEntityCapAddReq, Status) {
	if len(payload) != 16+16+4+16 {
		return authEntityCapAddReq{}, StatusMalformedRequest
	}
	entityID, err := uuid.FromBytes(payload[0:16])
	if err != nil {
		return authEntityCapAddReq{}, StatusMalformedRequest
	}
	subject, err := uuid.FromBytes(payload[16:32])
	if err != nil {
		return authEntityCapAddReq{}, StatusMalformedRequest
	}
	verb := Verb(binary.BigEndian.Uint32(payload[32:36]))
	object, err := uuid.FromBytes(payload[36:52])
	if err != nil {
		return authEntityCapAddReq{}, StatusMalformedRequest
	}
	return authEntityCapAddReq{
		EntityID: entityID,
		Triple:   CapabilityTriple{Subject: subject, Verb: verb, Object: object},
	}, StatusSuccess
}

// privateKeySetReq is PRIVATE_KEY_SET(offset, enc_pub_len, enc_priv_len,
// sign_pub_len, sign_priv_len, uuid, enc_pub, enc_priv, sign_pub,
// sign_priv) (spec §4.6).
type privateKeySetReq struct {
	AgentID  uuid.UUID
	EncKeys  EncryptionKeyPair
	SignKeys SigningKeyPair
}

func decodePrivateKeySetReq(payload []byte) (privateKeySetReq, Status) {
	if len(payload) < 16 {
		return privateKeySetReq{}, StatusMalformedRequest
	}
	encPubLen := binary.BigEndian.Uint32(payload[0:4])
	encPrivLen := binary.BigEndian.Uint32(payload[4:8])
	signPubLen := binary.BigEndian.Uint32(payload[8:12])
	signPrivLen := binary.BigEndian.Uint32(payload[12:16])
	if encPubLen != EncryptionPublicKeySize || encPrivLen != EncryptionPrivateKeySize ||
		int(signPubLen) != SigningPublicKeySize || int(signPrivLen) != SigningPrivateKeySize {
		return privateKeySetReq{}, StatusMalformedRequest
	}

	rest := payload[16:]
	want := 16 + int(encPubLen) + int(encPrivLen) + int(signPubLen) + int(signPrivLen)
	if len(rest) != want {
		return privateKeySetReq{}, StatusMalformedRequest
	}

	agentID, err := uuid.FromBytes(rest[0:16])
	if err != nil {
		return privateKeySetReq{}, StatusMalformedRequest
	}

	off := 16
	var req privateKeySetReq
	req.AgentID = agentID

	copy(req.EncKeys.Public[:], rest[off:off+int(encPubLen)])
	off += int(encPubLen)
	copy(req.EncKeys.Private[:], rest[off:off+int(encPrivLen)])
	off += int(encPrivLen)

	req.SignKeys.Public = ed25519.PublicKey(append([]byte(nil), rest[off:off+int(signPubLen)]...))
	off += int(signPubLen)
	req.SignKeys.Private = ed25519.PrivateKey(append([]byte(nil), rest[off:off+int(signPrivLen)]...))

	return req, StatusSuccess
}

// EncodeAuthEntityAddReq builds an AUTH_ENTITY_ADD control frame payload
// (spec §4.6), for use by cmd/agentctl.
func EncodeAuthEntityAddReq(entityID uuid.UUID, encPubkey [EncryptionPublicKeySize]byte, signPubkey [SigningPublicKeySize]byte) []byte {
	buf := make([]byte, 0, 8+16+EncryptionPublicKeySize+SigningPublicKeySize)
	buf = appendU32(buf, EncryptionPublicKeySize)
	buf = appendU32(buf, SigningPublicKeySize)
	buf = append(buf, entityID[:]...)
	buf = append(buf, encPubkey[:]...)
	buf = append(buf, signPubkey[:]...)
	return EncodeControlRequest(ControlAuthEntityAdd, 0, buf)
}

// EncodeAuthEntityCapAddReq builds an AUTH_ENTITY_CAP_ADD control frame
// payload (spec §4.6).
func EncodeAuthEntityCapAddReq(entityID uuid.UUID, triple CapabilityTriple) []byte {
	buf := make([]byte, 0, 16+16+4+16)
	buf = append(buf, entityID[:]...)
	buf = append(buf, triple.Subject[:]...)
	buf = appendU32(buf, uint32(triple.Verb))
	buf = append(buf, triple.Object[:]...)
	return EncodeControlRequest(ControlAuthEntityCapAdd, 0, buf)
}

// EncodePrivateKeySetReq builds a PRIVATE_KEY_SET control frame payload
// (spec §4.6).
func EncodePrivateKeySetReq(agentID uuid.UUID, enc EncryptionKeyPair, sign SigningKeyPair) []byte {
	buf := make([]byte, 0, 16+16+16+len(sign.Public)+len(sign.Private))
	buf = appendU32(buf, EncryptionPublicKeySize)
	buf = appendU32(buf, EncryptionPrivateKeySize)
	buf = appendU32(buf, uint32(len(sign.Public)))
	buf = appendU32(buf, uint32(len(sign.Private)))
	buf = append(buf, agentID[:]...)
	buf = append(buf, enc.Public[:]...)
	buf = append(buf, enc.Private[:]...)
	buf = append(buf, sign.Public...)
	buf = append(buf, sign.Private...)
	return EncodeControlRequest(ControlPrivateKeySet, 0, buf)
}

// EncodeFinalizeReq builds a FINALIZE control frame (spec §4.6).
func EncodeFinalizeReq() []byte {
	return EncodeControlRequest(ControlFinalize, 0, nil)
}

// EncodeControlRequest builds a generic method_id | offset | payload
// control frame.
func EncodeControlRequest(method ControlMethodID, offset uint32, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(method))
	binary.BigEndian.PutUint32(buf[4:8], offset)
	copy(buf[8:], payload)
	return buf
}

// ControlResponse is the decoded form of a control-plane reply: always
// method_id | offset(=0) | status (spec SUPPLEMENTED FEATURES).
type ControlResponse struct {
	Method ControlMethodID
	Offset uint32
	Status Status
}

// DecodeControlResponse decodes a control response frame.
func DecodeControlResponse(raw []byte) (ControlResponse, error) {
	if len(raw) != 12 {
		return ControlResponse{}, NewStatusError("protocolsvc.control", StatusMalformedRequest, nil)
	}
	return ControlResponse{
		Method: ControlMethodID(binary.BigEndian.Uint32(raw[0:4])),
		Offset: binary.BigEndian.Uint32(raw[4:8]),
		Status: Status(binary.BigEndian.Uint32(raw[8:12])),
	}, nil
}

// ControlFiber reads length-prefixed boxed frames from the supervisor's
// control socket and dispatches entity/key provisioning commands (spec
// §4.6). Every response is written before any effect on the scheduler's
// lifecycle, matching the source's "reply, then act" discipline for
// FINALIZE.
type ControlFiber struct {
	Ctx  *ProtocolContext
	Conn io.ReadWriter
	Log  *log.Entry
}

// Run loops decode-dispatch until FINALIZE, EOF, or quiesce/terminate.
func (cf *ControlFiber) Run(fib *Fiber) error {
	for !fib.ShouldExit() {
		raw, err := ReadBoxedFrame(cf.Conn)
		if err != nil {
			return nil
		}

		hdr, payload, status := decodeControlHeader(raw)
		if status != StatusSuccess {
			cf.Log.Warn("control: malformed frame")
			return NewStatusError("protocolsvc.control", StatusMalformedRequest, nil)
		}

		finalize, status := cf.dispatch(hdr.Method, payload)
		if err := WriteBoxedFrame(cf.Conn, encodeControlResponse(hdr.Method, status)); err != nil {
			return NewStatusError("protocolsvc.control", StatusIOError, err)
		}
		if finalize {
			cf.Ctx.Life.RequestQuiesce()
			return nil
		}
		switch hdr.Method {
		case ControlAuthEntityAdd, ControlAuthEntityCapAdd, ControlPrivateKeySet:
		default:
			return NewStatusError("protocolsvc.control", StatusMalformedRequest, nil)
		}
	}
	return nil
}

func (cf *ControlFiber) dispatch(method ControlMethodID, payload []byte) (finalize bool, status Status) {
	switch method {
	case ControlAuthEntityAdd:
		return false, cf.dispatchAuthEntityAdd(payload)
	case ControlAuthEntityCapAdd:
		return false, cf.dispatchAuthEntityCapAdd(payload)
	case ControlPrivateKeySet:
		return false, cf.dispatchPrivateKeySet(payload)
	case ControlFinalize:
		return true, StatusSuccess
	default:
		cf.Log.Errorf("control: unknown method %d", method)
		return false, StatusMalformedRequest
	}
}

func (cf *ControlFiber) dispatchAuthEntityAdd(payload []byte) Status {
	req, status := decodeAuthEntityAddReq(payload)
	if status != StatusSuccess {
		return status
	}
	cf.Ctx.Entities.Add(&AuthorizedEntity{
		ID:               req.EntityID,
		EncryptionPubkey: req.EncPubkey,
		SigningPubkey:    req.SignPubkey,
		Capabilities:     NewTripleSet(),
	})
	return StatusSuccess
}

func (cf *ControlFiber) dispatchAuthEntityCapAdd(payload []byte) Status {
	req, status := decodeAuthEntityCapAddReq(payload)
	if status != StatusSuccess {
		return status
	}
	entity, ok := cf.Ctx.Entities.Lookup(req.EntityID)
	if !ok {
		return StatusNotFound
	}
	entity.Capabilities.Add(req.Triple)
	return StatusSuccess
}

func (cf *ControlFiber) dispatchPrivateKeySet(payload []byte) Status {
	req, status := decodePrivateKeySetReq(payload)
	if status != StatusSuccess {
		return status
	}
	cf.Ctx.AgentID = req.AgentID
	cf.Ctx.SetPrivateKeys(req.EncKeys, req.SignKeys)
	return StatusSuccess
}
