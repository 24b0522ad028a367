package core

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// notifyEndpointRequest is sent by a protocol fiber to the notification
// endpoint to forward ASSERT_LATEST_BLOCK_ID / ASSERT_LATEST_BLOCK_ID_CANCEL
// (spec §4.4). serverOffset is decided by the caller (the protocol
// fiber), not by this endpoint: an ASSERT gets a freshly Inserted offset
// from the shared xlat table, while a CANCEL reuses the offset the
// matching ASSERT was given, since the notification service keys a
// pending assertion by exactly that offset and cannot be cancelled by
// any other.
type notifyEndpointRequest struct {
	method       NotifyMethodID
	payload      []byte
	serverOffset uint64
}

// NotifyEndpointFiber forwards block-assertion traffic to the
// notification service over a single connection and demultiplexes
// invalidation responses back to the originating connection's write
// endpoint (spec §2, §4.4): "Owns two translation rbtrees (client-addr
// <-> server-offset)," re-expressed here as the single bijective
// OffsetXlatTable from core/xlat.go (a server offset always maps back
// to exactly one (client mailbox, client offset) pair, which is the
// same bijection the source's two rbtrees jointly encode).
type NotifyEndpointFiber struct {
	Addr  Address
	Conn  io.ReadWriter
	Boxes *Mailboxes
	Xlat  *OffsetXlatTable
	Log   *log.Entry
}

// Run drains the endpoint's mailbox for outbound forwards while a
// separate goroutine (spawned by RunProtocolService) reads inbound
// responses from the notification service connection and resolves them
// against Xlat. It forwards each request's serverOffset verbatim: the
// caller already decided it, either by Inserting a fresh one (ASSERT) or
// by reusing the one recorded for the assertion being cancelled
// (CANCEL), so this fiber has no xlat decision of its own to make.
func (ne *NotifyEndpointFiber) Run(fib *Fiber) error {
	for {
		env, ok, err := ne.Boxes.Receive(fib, ne.Addr)
		if err != nil {
			return nil
		}
		if !ok {
			if fib.ShouldExit() {
				return nil
			}
			continue
		}

		req, ok := env.Payload.(notifyEndpointRequest)
		if !ok {
			ne.Log.Errorf("notify endpoint: unexpected mailbox payload %T", env.Payload)
			continue
		}

		wireReq := NotifyRequest{Method: req.method, Offset: uint32(req.serverOffset), Payload: req.payload}
		if err := WriteNotifyRequest(ne.Conn, wireReq); err != nil {
			ne.Log.WithError(err).Error("notify endpoint: write failed")
			return nil
		}
	}
}

// PumpResponses reads NotifyResponses from the notification service
// connection until it closes or fib exits, resolving each one against
// Xlat and forwarding a NOTIFICATION_MSG to the originating connection's
// write endpoint (spec §4.4). It is spawned as its own fiber because the
// notification service connection is read independently of the forward
// path above.
func (ne *NotifyEndpointFiber) PumpResponses(fib *Fiber) error {
	for !fib.ShouldExit() {
		resp, err := ReadNotifyResponse(ne.Conn)
		if err != nil {
			return nil
		}

		entry, ok := ne.Xlat.Take(uint64(resp.Offset))
		if !ok {
			continue
		}

		var reqID RequestID
		switch resp.Method {
		case NotifyMethodBlockAssertionCancel:
			reqID = VerbAssertLatestBlockIDCancel
		default:
			reqID = VerbAssertLatestBlockID
		}

		_ = ne.Boxes.Send(fib, entry.ClientMailbox, Envelope{
			Payload: WriteEndpointNotificationMsg(reqID, entry.ClientOffset),
		})
	}
	return nil
}
