package core

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
)

// HandshakeResult carries everything a newly-handshaken connection needs
// to enter its dispatch loop (spec §4.3).
type HandshakeResult struct {
	Entity       *AuthorizedEntity
	SharedSecret SharedSecret
	ClientIVs    *IVTracker
	ServerIVStart uint64
}

// RunServerHandshake executes the three-step handshake from spec §4.3
// over conn, using ctx's authorized-entity dictionary and long-term
// keys, and rnd for the server's key/challenge nonces (spec's "random
// endpoint"). When step 1 fails validation or the entity lookup, or the
// nonce draw or shared-secret derivation fails, it has already written
// the appropriate plain (pre-authentication) error response to conn,
// matching protocolservice_protocol_handle_handshake.c's "write error,
// then fiber exit" discipline. Later failures (MAC, socket write, or
// the step-3 read) return without writing an error response.
func RunServerHandshake(conn io.ReadWriter, ctx *ProtocolContext, rnd *RandomServiceClient) (HandshakeResult, Status, error) {
	// Step 1: client initiate.
	raw, err := readBoxed(conn)
	if err != nil {
		return HandshakeResult{}, StatusIOError, err
	}
	initiate, status := DecodeHandshakeInitiateReq(raw)
	if status != StatusSuccess {
		writeBoxed(conn, encodeHandshakeError(ReqHandshakeInitiate, status))
		return HandshakeResult{}, status, nil
	}

	// Validate protocol_version/crypto_suite before the entity lookup, so
	// a malformed-version probe never reveals whether an entity id exists
	// (spec SUPPLEMENTED FEATURES, from
	// protocolservice_protocol_read_handshake_req.c's field-order:
	// version/suite are checked before the entity uuid is even stored).
	entityID, err := uuid.FromBytes(initiate.EntityID[:])
	if err != nil {
		writeBoxed(conn, encodeHandshakeError(ReqHandshakeInitiate, StatusMalformedRequest))
		return HandshakeResult{}, StatusMalformedRequest, nil
	}

	entity, ok := ctx.Entities.Lookup(entityID)
	if !ok {
		writeBoxed(conn, encodeHandshakeError(ReqHandshakeInitiate, StatusUnauthorized))
		return HandshakeResult{}, StatusUnauthorized, nil
	}

	// Step 2: server response.
	serverNonces, err := rnd.GetRandomBytes(2 * handshakeNonceSize)
	if err != nil {
		writeBoxed(conn, encodeHandshakeError(ReqHandshakeInitiate, StatusIOError))
		return HandshakeResult{}, StatusIOError, err
	}
	serverKeyNonce := serverNonces[:handshakeNonceSize]
	serverChallenge := serverNonces[handshakeNonceSize:]

	shared, err := ComputeSharedSecret(ctx.EncKeys.Private, entity.EncryptionPubkey, serverKeyNonce, initiate.ClientKeyNonce)
	if err != nil {
		writeBoxed(conn, encodeHandshakeError(ReqHandshakeInitiate, StatusUnauthorized))
		return HandshakeResult{}, StatusUnauthorized, err
	}

	clientIVs := NewIVTracker(0x0000000000000001)
	const serverIVStart = 0x8000000000000001

	respBody := encodeHandshakeStep2Body(ctx, entity, serverKeyNonce, serverChallenge)
	mac, err := ShortMAC(shared, respBody, initiate.ClientChallenge)
	if err != nil {
		return HandshakeResult{}, StatusFatal, err
	}
	if err := writeBoxed(conn, append(respBody, mac...)); err != nil {
		return HandshakeResult{}, StatusIOError, err
	}

	// Step 3: client ack, authenticated under client_iv.
	aead, err := AEAD(shared)
	if err != nil {
		return HandshakeResult{}, StatusFatal, err
	}
	if _, err := ReadAuthenticatedFrame(conn, aead, clientIVs); err != nil {
		return HandshakeResult{}, StatusMalformedRequest, err
	}

	ackPayload := encodeHandshakeAck(StatusSuccess)
	if err := WriteAuthenticatedFrame(conn, aead, serverIVStart, ackPayload); err != nil {
		return HandshakeResult{}, StatusIOError, err
	}

	return HandshakeResult{
		Entity:        entity,
		SharedSecret:  shared,
		ClientIVs:     clientIVs,
		ServerIVStart: serverIVStart + 1,
	}, StatusSuccess, nil
}

func encodeHandshakeStep2Body(ctx *ProtocolContext, entity *AuthorizedEntity, serverKeyNonce, serverChallenge []byte) []byte {
	buf := make([]byte, 0, 16+16+EncryptionPublicKeySize+2*handshakeNonceSize)
	buf = appendU32(buf, uint32(ReqHandshakeInitiate))
	buf = appendU32(buf, uint32(StatusSuccess))
	buf = appendU32(buf, 0)
	buf = appendU32(buf, ProtocolVersion1)
	buf = appendU32(buf, CryptoSuiteVeloV1)
	buf = append(buf, ctx.AgentID[:]...)
	buf = append(buf, ctx.EncKeys.Public[:]...)
	buf = append(buf, serverKeyNonce...)
	buf = append(buf, serverChallenge...)
	return buf
}

func encodeHandshakeError(reqID RequestID, status Status) []byte {
	buf := make([]byte, 0, 12)
	buf = appendU32(buf, uint32(reqID))
	buf = appendU32(buf, uint32(status))
	buf = appendU32(buf, 0)
	return buf
}

func encodeHandshakeAck(status Status) []byte {
	buf := make([]byte, 0, 12)
	buf = appendU32(buf, uint32(ReqHandshakeAck))
	buf = appendU32(buf, uint32(status))
	buf = appendU32(buf, 0)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// generateHandshakeNonce draws one handshake nonce from crypto/rand.
// Nothing in the module calls it; the handshake takes its nonces from
// the random service.
func generateHandshakeNonce() ([]byte, error) {
	buf := make([]byte, handshakeNonceSize)
	_, err := rand.Read(buf)
	return buf, err
}
