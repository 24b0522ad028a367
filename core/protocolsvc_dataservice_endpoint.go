package core

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// dataserviceEndpointRequest is the union of messages the data-service
// endpoint's mailbox accepts (spec §4.7): open/close a child context, or
// forward an already-encoded data-service request.
type dataserviceEndpointRequest struct {
	kind       deKind
	returnAddr Address
	capsBuffer []byte
	reqID      RequestID
	offset     uint32
	raw        []byte

	// replyTo is where the reply for Open/Close goes; for Forward, the
	// reply is addressed to the connection's write-endpoint mailbox
	// instead (spec §4.7: the forwarded reply is already a
	// write-endpoint DATASERVICE_MSG, so it skips the protocol fiber).
	replyTo Address
}

type deKind int

const (
	deContextOpen deKind = iota
	deContextClose
	deForwardRequest
)

type dataserviceContextOpenReply struct {
	ChildID uint64
	Status  Status
}

type dataserviceContextCloseReply struct {
	Status Status
}

// DataServiceEndpointFiber multiplexes every protocol fiber's data-
// service traffic onto the single synchronous connection to the data
// service (spec §2, §4.7): "a 1:N multiplexer over a 1:1 pipe."
type DataServiceEndpointFiber struct {
	Addr   Address
	Client *DataServiceClient
	Boxes  *Mailboxes
	Table  *MailboxContextTable
	Log    *log.Entry
}

// Run drains the endpoint's mailbox, dispatching each request in turn.
// Because the data-service connection is a single synchronous pipe, the
// endpoint necessarily serializes all fibers' requests onto it, exactly
// like the source's single-fiber multiplexer.
func (de *DataServiceEndpointFiber) Run(fib *Fiber) error {
	for {
		env, ok, err := de.Boxes.Receive(fib, de.Addr)
		if err != nil {
			return nil
		}
		if !ok {
			if fib.ShouldExit() {
				return nil
			}
			continue
		}

		req, ok := env.Payload.(dataserviceEndpointRequest)
		if !ok {
			de.Log.Errorf("dataservice endpoint: unexpected mailbox payload %T", env.Payload)
			continue
		}

		de.dispatch(fib, req)
	}
}

func (de *DataServiceEndpointFiber) dispatch(fib *Fiber, req dataserviceEndpointRequest) {
	switch req.kind {
	case deContextOpen:
		childID, status, err := de.Client.OpenContext(req.capsBuffer)
		if err == nil && status == StatusSuccess {
			de.Table.Open(req.returnAddr)
		}
		_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: dataserviceContextOpenReply{ChildID: childID, Status: status}})

	case deContextClose:
		childID, ok := de.Table.LookupByMailbox(req.returnAddr)
		if !ok {
			_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: dataserviceContextCloseReply{Status: StatusNotFound}})
			return
		}
		status, err := de.Client.CloseContext(childID)
		if err == nil && status == StatusSuccess {
			de.Table.Close(req.returnAddr)
		}
		_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: dataserviceContextCloseReply{Status: status}})

	case deForwardRequest:
		childID, ok := de.Table.LookupByMailbox(req.returnAddr)
		if !ok {
			_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: WriteEndpointDataserviceMsg(req.reqID, req.offset, encodeStatusOnly(StatusNotFound))})
			return
		}
		raw, err := de.Client.ForwardRequest(childID, req.raw)
		if err != nil {
			_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: WriteEndpointDataserviceMsg(req.reqID, req.offset, encodeStatusOnly(StatusIOError))})
			return
		}
		_ = de.Boxes.Send(fib, req.replyTo, Envelope{Payload: WriteEndpointDataserviceMsg(req.reqID, req.offset, raw)})
	}
}

func encodeStatusOnly(s Status) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(s))
	return buf
}
