package core

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ProtocolFiber runs one connection's handshake and post-handshake
// dispatch loop (spec §2, §4.4): "runs the handshake state machine,
// then a decode-dispatch loop; authorizes each request via capability
// check; translates client requests into data-service or notification-
// service messages; owns a child dataservice context."
type ProtocolFiber struct {
	Ctx    *ProtocolContext
	Conn   io.ReadWriter
	Router *ExtendedAPIRouter

	SelfAddr  Address
	WriteAddr Address

	Session *Session

	Log *log.Entry

	dataContextOpen bool
}

// Run executes the handshake, opens the data-service child context, and
// enters the decode-dispatch loop until EOF, a fatal status, or
// quiesce/terminate (spec §4.4). Any fatal error unwinds and releases
// the session's reference, mirroring the source's "Fatal protocol
// errors set the shutdown flag and unwind."
func (pf *ProtocolFiber) Run(fib *Fiber) error {
	defer pf.Session.Release()
	defer pf.Ctx.Boxes.Send(fib, pf.WriteAddr, Envelope{Payload: WriteEndpointShutdown()})

	for !fib.ShouldExit() {
		aead, err := AEAD(pf.Session.SharedSecret)
		if err != nil {
			return NewStatusError("protocolsvc.protocol", StatusFatal, err)
		}
		plaintext, err := ReadAuthenticatedFrame(pf.Conn, aead, pf.Session.ClientIVs)
		if err != nil {
			return nil
		}

		req, err := DecodeClientRequest(plaintext)
		if err != nil {
			pf.reply(fib, 0, 0, StatusMalformedRequest, nil)
			continue
		}

		status := pf.dispatch(fib, req)
		if status.Fatal() {
			pf.Log.Errorf("fatal request error: %s", status)
			return NewStatusError("protocolsvc.protocol", status, nil)
		}
	}
	return nil
}

// checkCapability tests capability_set.contains((entity_uuid,
// request_verb_uuid, agent_uuid)) per spec §4.4.
func (pf *ProtocolFiber) checkCapability(verb Verb) bool {
	return pf.Session.Entity.Capabilities.Contains(CapabilityTriple{
		Subject: pf.Session.Entity.ID,
		Verb:    verb,
		Object:  pf.Ctx.AgentID,
	})
}

func (pf *ProtocolFiber) reply(fib *Fiber, reqID RequestID, offset uint32, status Status, payload []byte) {
	resp := ClientResponse{RequestID: reqID, Status: status, Offset: offset, Payload: payload}
	_ = pf.Ctx.Boxes.Send(fib, pf.WriteAddr, Envelope{Payload: WriteEndpointPacket(EncodeClientResponse(resp))})
}

func (pf *ProtocolFiber) dispatch(fib *Fiber, req ClientRequest) Status {
	switch req.RequestID {
	case VerbStatusGet:
		return pf.dispatchStatusGet(fib, req)
	case VerbClose:
		return pf.dispatchClose(fib, req)

	case VerbAssertLatestBlockID, VerbAssertLatestBlockIDCancel:
		return pf.dispatchNotifyPassthrough(fib, req)

	case VerbExtendedAPIEnable:
		return pf.dispatchExtendedAPIEnable(fib, req)
	case VerbExtendedAPISendrecv:
		return pf.dispatchExtendedAPISendrecv(fib, req)
	case VerbExtendedAPISendresp:
		return pf.dispatchExtendedAPISendresp(fib, req)

	case VerbLatestBlockIDGet, VerbTransactionSubmit, VerbBlockByIDGet, VerbBlockIDGetNext,
		VerbBlockIDGetPrev, VerbBlockIDByHeightGet, VerbTransactionByIDGet, VerbTransactionIDGetNext,
		VerbTransactionIDGetPrev, VerbTransactionIDGetBlockID, VerbArtifactFirstTxnByIDGet,
		VerbArtifactLastTxnByIDGet:
		return pf.dispatchDataservicePassthrough(fib, req)

	default:
		pf.reply(fib, req.RequestID, req.Offset, StatusMalformedRequest, nil)
		return StatusFatal
	}
}

func (pf *ProtocolFiber) dispatchStatusGet(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(VerbStatusGet) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}
	// spec SUPPLEMENTED FEATURES: STATUS_GET returns
	// {status, protocol_version, agent_uuid}, not a bare status.
	payload := make([]byte, 4+16)
	binary.BigEndian.PutUint32(payload[0:4], ProtocolVersion1)
	copy(payload[4:20], pf.Ctx.AgentID[:])
	pf.reply(fib, req.RequestID, req.Offset, StatusSuccess, payload)
	return StatusSuccess
}

func (pf *ProtocolFiber) dispatchClose(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(VerbClose) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}

	if pf.dataContextOpen {
		replyCh := pf.Ctx.Boxes
		_ = replyCh.Send(fib, pf.Ctx.DataServiceAddr, Envelope{
			Payload: dataserviceEndpointRequest{kind: deContextClose, returnAddr: pf.SelfAddr, replyTo: pf.SelfAddr},
		})
		env, ok, err := pf.Ctx.Boxes.Receive(fib, pf.SelfAddr)
		if err == nil && ok {
			if _, isClose := env.Payload.(dataserviceContextCloseReply); isClose {
				pf.dataContextOpen = false
			}
		}
	}

	// control-plane response shape is always method_id|offset(=0)|status
	// even for CLOSE (spec SUPPLEMENTED FEATURES); the client-facing
	// CLOSE response, by contrast, keeps the normal client response
	// shape, since it travels on the client wire, not the control wire.
	pf.reply(fib, req.RequestID, req.Offset, StatusSuccess, nil)
	return StatusFatal
}

// dispatchNotifyPassthrough forwards ASSERT_LATEST_BLOCK_ID and
// ASSERT_LATEST_BLOCK_ID_CANCEL to the notification service (spec §4.2,
// §4.4). The server offset on the wire to the notification service is
// decided here, not by the notify endpoint: an ASSERT is Inserted into
// the shared xlat table, assigning it a fresh offset that this
// connection's Session remembers; a CANCEL reuses that remembered
// offset instead of minting a new one, since the notification service
// looks up a pending assertion by exactly the offset it was asserted
// under (mirrors the source's
// ctx->latest_block_id_assertion_server_offset).
func (pf *ProtocolFiber) dispatchNotifyPassthrough(fib *Fiber, req ClientRequest) Status {
	verb := req.RequestID
	if !pf.checkCapability(verb) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}

	if verb == VerbAssertLatestBlockIDCancel {
		serverOffset, ok := pf.Session.TakeAssertionOffset()
		if !ok {
			// nothing outstanding on this connection to cancel.
			pf.reply(fib, req.RequestID, req.Offset, StatusSuccess, nil)
			return StatusSuccess
		}
		_ = pf.Ctx.Boxes.Send(fib, pf.Ctx.NotifyEndpointAddr, Envelope{
			Payload: notifyEndpointRequest{
				method:       NotifyMethodBlockAssertionCancel,
				payload:      req.Payload,
				serverOffset: serverOffset,
			},
		})
		return StatusSuccess
	}

	serverOffset := pf.Ctx.NotifyXlat.Insert(pf.WriteAddr, req.Offset)
	pf.Session.SetAssertionOffset(serverOffset)
	_ = pf.Ctx.Boxes.Send(fib, pf.Ctx.NotifyEndpointAddr, Envelope{
		Payload: notifyEndpointRequest{
			method:       NotifyMethodBlockAssertion,
			payload:      req.Payload,
			serverOffset: serverOffset,
		},
	})
	// the reply, if any, is deferred: it arrives asynchronously via the
	// notify endpoint's response pump (spec §4.2, §4.4).
	return StatusSuccess
}

func (pf *ProtocolFiber) dispatchExtendedAPIEnable(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(VerbExtendedAPIEnable) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}
	pf.Router.Enable(pf.Session.Entity.ID, pf.WriteAddr)
	pf.reply(fib, req.RequestID, req.Offset, StatusSuccess, nil)
	return StatusSuccess
}

func (pf *ProtocolFiber) dispatchExtendedAPISendrecv(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(VerbExtendedAPISendrecv) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}
	if len(req.Payload) < 16 {
		pf.reply(fib, req.RequestID, req.Offset, StatusMalformedRequest, nil)
		return StatusSuccess
	}

	var target [16]byte
	copy(target[:], req.Payload[:16])
	targetID, err := uuidFromBytes(target)
	if err != nil {
		pf.reply(fib, req.RequestID, req.Offset, StatusMalformedRequest, nil)
		return StatusSuccess
	}

	clientReq, targetMailbox, status := pf.Router.SendRecv(targetID, pf.WriteAddr, req.Offset, req.Payload[16:])
	if status != StatusSuccess {
		pf.reply(fib, req.RequestID, req.Offset, status, nil)
		return StatusSuccess
	}

	_ = pf.Ctx.Boxes.Send(fib, targetMailbox, Envelope{Payload: WriteEndpointPacket(EncodeClientRequest(clientReq))})
	return StatusSuccess
}

func (pf *ProtocolFiber) dispatchExtendedAPISendresp(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(VerbExtendedAPISendresp) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}

	callerMailbox, callerOffset, status := pf.Router.SendResp(pf.Session.Entity.ID, req.Offset)
	if status != StatusSuccess {
		pf.reply(fib, req.RequestID, req.Offset, status, nil)
		return StatusSuccess
	}

	resp := ClientResponse{RequestID: VerbExtendedAPISendrecv, Status: StatusSuccess, Offset: callerOffset, Payload: req.Payload}
	_ = pf.Ctx.Boxes.Send(fib, callerMailbox, Envelope{Payload: WriteEndpointPacket(EncodeClientResponse(resp))})

	pf.reply(fib, req.RequestID, req.Offset, StatusSuccess, nil)
	return StatusSuccess
}

func (pf *ProtocolFiber) dispatchDataservicePassthrough(fib *Fiber, req ClientRequest) Status {
	if !pf.checkCapability(req.RequestID) {
		pf.reply(fib, req.RequestID, req.Offset, StatusUnauthorized, nil)
		return StatusSuccess
	}
	if !pf.dataContextOpen {
		pf.reply(fib, req.RequestID, req.Offset, StatusFatal, nil)
		return StatusFatal
	}

	raw := make([]byte, 8+len(req.Payload))
	binary.BigEndian.PutUint32(raw[0:4], uint32(req.RequestID))
	copy(raw[8:], req.Payload)

	_ = pf.Ctx.Boxes.Send(fib, pf.Ctx.DataServiceAddr, Envelope{
		Payload: dataserviceEndpointRequest{
			kind:       deForwardRequest,
			returnAddr: pf.SelfAddr,
			reqID:      req.RequestID,
			offset:     req.Offset,
			raw:        raw,
			replyTo:    pf.WriteAddr,
		},
	})
	return StatusSuccess
}

// OpenDataContext opens this fiber's data-service child context,
// mapping capabilities from the authenticated entity to a fixed
// baseline set (spec §4.4: "current policy: a fixed baseline set;
// future work derives from the entity certificate" — spec SUPPLEMENTED
// FEATURES documents this as a known limitation, not a bug).
func (pf *ProtocolFiber) OpenDataContext(fib *Fiber) Status {
	capsBuffer := baselineDataserviceCaps()
	_ = pf.Ctx.Boxes.Send(fib, pf.Ctx.DataServiceAddr, Envelope{
		Payload: dataserviceEndpointRequest{kind: deContextOpen, returnAddr: pf.SelfAddr, capsBuffer: capsBuffer, replyTo: pf.SelfAddr},
	})

	env, ok, err := pf.Ctx.Boxes.Receive(fib, pf.SelfAddr)
	if err != nil || !ok {
		return StatusFatal
	}
	openReply, ok := env.Payload.(dataserviceContextOpenReply)
	if !ok {
		return StatusFatal
	}
	if openReply.Status == StatusSuccess {
		pf.dataContextOpen = true
	}
	return openReply.Status
}

// baselineDataserviceCaps is the fixed capability bitset handed to the
// data service for every connection (spec §4.4's documented current
// policy): the read-only ledger queries plus transaction submit, one bit
// per Verb, least significant bit first as in CapabilitySetFromBits.
func baselineDataserviceCaps() []byte {
	want := (int(verbCount) + 7) / 8
	buf := make([]byte, want)
	for _, v := range []Verb{
		VerbLatestBlockIDGet, VerbTransactionSubmit, VerbBlockByIDGet, VerbBlockIDGetNext,
		VerbBlockIDGetPrev, VerbBlockIDByHeightGet, VerbTransactionByIDGet, VerbTransactionIDGetNext,
		VerbTransactionIDGetPrev, VerbTransactionIDGetBlockID, VerbArtifactFirstTxnByIDGet,
		VerbArtifactLastTxnByIDGet,
	} {
		buf[int(v)/8] |= 1 << (uint(v) % 8)
	}
	return buf
}

func uuidFromBytes(b [16]byte) (uuid.UUID, error) {
	return uuid.FromBytes(b[:])
}
