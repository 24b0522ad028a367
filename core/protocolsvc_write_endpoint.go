package core

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// writeEndpointMessage is the union of messages a write-endpoint
// fiber's mailbox accepts (spec §4.5). Exactly one fiber writes to a
// connection's socket; every other fiber that needs to emit bytes
// constructs one of these and sends it to the write endpoint instead
// of writing directly.
type writeEndpointMessage struct {
	kind    weKind
	packet  []byte
	reqID   RequestID
	offset  uint32
	status  Status
	rawResp []byte
}

type weKind int

const (
	weShutdown weKind = iota
	wePacket
	weDataserviceMsg
	weNotificationMsg
)

// WriteEndpointPacket builds a PACKET message: already-encoded on-wire
// bytes to be written as the next authenticated frame verbatim (spec
// §4.5).
func WriteEndpointPacket(payload []byte) any {
	return writeEndpointMessage{kind: wePacket, packet: payload}
}

// WriteEndpointShutdown builds a SHUTDOWN message.
func WriteEndpointShutdown() any {
	return writeEndpointMessage{kind: weShutdown}
}

// WriteEndpointDataserviceMsg builds a DATASERVICE_MSG message: the raw
// data-service response bytes for (reqID, offset), to be re-encoded into
// client protocol form by the write endpoint (spec §4.4, §4.5).
func WriteEndpointDataserviceMsg(reqID RequestID, offset uint32, raw []byte) any {
	return writeEndpointMessage{kind: weDataserviceMsg, reqID: reqID, offset: offset, rawResp: raw}
}

// WriteEndpointNotificationMsg builds a NOTIFICATION_MSG message: a
// generic success response at offset (spec §4.4, §4.5).
func WriteEndpointNotificationMsg(reqID RequestID, offset uint32) any {
	return writeEndpointMessage{kind: weNotificationMsg, reqID: reqID, offset: offset, status: StatusSuccess}
}

// WriteEndpointFiber is the single writer for one connection's socket
// (spec §4.5). It holds its own Session reference, released when its
// loop exits.
type WriteEndpointFiber struct {
	Addr    Address
	Conn    io.Writer
	Boxes   *Mailboxes
	Session *Session
	Log     *log.Entry

	shutdown bool
}

// Run drains the mailbox at Addr and writes frames until SHUTDOWN,
// mailbox close, or quiesce/terminate.
func (we *WriteEndpointFiber) Run(fib *Fiber) error {
	defer we.Session.Release()

	for !we.shutdown {
		env, ok, err := we.Boxes.Receive(fib, we.Addr)
		if err != nil {
			return nil
		}
		if !ok {
			if fib.ShouldExit() {
				return nil
			}
			continue
		}

		msg, ok := env.Payload.(writeEndpointMessage)
		if !ok {
			we.Log.Errorf("write endpoint: unexpected mailbox payload %T", env.Payload)
			continue
		}

		if err := we.handle(msg); err != nil {
			we.Log.WithError(err).Error("write endpoint: write failed")
			return nil
		}
	}
	return nil
}

func (we *WriteEndpointFiber) handle(msg writeEndpointMessage) error {
	switch msg.kind {
	case weShutdown:
		we.shutdown = true
		return nil

	case wePacket:
		return we.writeFrame(msg.packet)

	case weDataserviceMsg:
		payload, status := decodeDataserviceResponse(msg.reqID, msg.rawResp)
		resp := ClientResponse{RequestID: msg.reqID, Status: status, Offset: msg.offset, Payload: payload}
		return we.writeFrame(EncodeClientResponse(resp))

	case weNotificationMsg:
		resp := ClientResponse{RequestID: msg.reqID, Status: msg.status, Offset: msg.offset}
		return we.writeFrame(EncodeClientResponse(resp))
	}
	return nil
}

func (we *WriteEndpointFiber) writeFrame(payload []byte) error {
	aead, err := AEAD(we.Session.SharedSecret)
	if err != nil {
		return err
	}
	iv := we.Session.NextServerIV()
	return WriteAuthenticatedFrame(we.Conn, aead, iv, payload)
}
