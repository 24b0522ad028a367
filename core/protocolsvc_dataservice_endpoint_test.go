package core

import (
	"encoding/binary"
	"net"
	"testing"

	log "github.com/sirupsen/logrus"
)

// fakeDataService serves OpenContext/CloseContext/ForwardRequest against
// one net.Pipe end, assigning sequential child ids starting at 1 and
// echoing ForwardRequest's rewritten child-context id back in the reply
// body so tests can confirm the endpoint rewrote it.
func fakeDataService(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		nextChild := uint64(1)
		for {
			raw, err := ReadBoxedFrame(conn)
			if err != nil {
				return
			}
			op := dataserviceOpCode(binary.BigEndian.Uint32(raw[0:4]))
			switch op {
			case dataserviceOpContextOpen:
				resp := make([]byte, 12)
				binary.BigEndian.PutUint32(resp[0:4], uint32(StatusSuccess))
				binary.BigEndian.PutUint64(resp[4:12], nextChild)
				nextChild++
				if err := WriteBoxedFrame(conn, resp); err != nil {
					return
				}
			case dataserviceOpContextClose:
				resp := make([]byte, 4)
				binary.BigEndian.PutUint32(resp, uint32(StatusSuccess))
				if err := WriteBoxedFrame(conn, resp); err != nil {
					return
				}
			case dataserviceOpRequest:
				childID := uint64(binary.BigEndian.Uint32(raw[4:8]))
				resp := make([]byte, 12)
				binary.BigEndian.PutUint32(resp[0:4], uint32(StatusSuccess))
				binary.BigEndian.PutUint64(resp[4:12], childID)
				if err := WriteBoxedFrame(conn, resp); err != nil {
					return
				}
			}
		}
	}()
}

func newTestDataServiceEndpoint(t *testing.T) (*DataServiceEndpointFiber, *Mailboxes, *Fiber, *Scheduler) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	fakeDataService(t, server)

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	de := &DataServiceEndpointFiber{
		Addr:   addr,
		Client: &DataServiceClient{Conn: client},
		Boxes:  boxes,
		Table:  NewMailboxContextTable(),
		Log:    log.NewEntry(log.New()),
	}
	fib := sched.Spawn("dataservice-endpoint", func(f *Fiber) error { return de.Run(f) })
	return de, boxes, fib, sched
}

func TestDataServiceEndpointOpenContextRegistersMapping(t *testing.T) {
	de, boxes, fib, _ := newTestDataServiceEndpoint(t)

	replyTo := boxes.Create()
	returnAddr := boxes.Create()
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{
		kind:       deContextOpen,
		returnAddr: returnAddr,
		replyTo:    replyTo,
	}})

	env, ok, err := boxes.Receive(fib, replyTo)
	if err != nil || !ok {
		t.Fatalf("expected a reply, got ok=%v err=%v", ok, err)
	}
	reply, ok := env.Payload.(dataserviceContextOpenReply)
	if !ok {
		t.Fatalf("expected an open reply, got %T", env.Payload)
	}
	if reply.Status != StatusSuccess {
		t.Fatalf("expected success, got %v", reply.Status)
	}
	if got, ok := de.Table.LookupByMailbox(returnAddr); !ok || got != reply.ChildID {
		t.Fatalf("expected the table to map returnAddr to the assigned child id")
	}
}

func TestDataServiceEndpointCloseContextReclaimsMapping(t *testing.T) {
	de, boxes, fib, _ := newTestDataServiceEndpoint(t)

	replyTo := boxes.Create()
	returnAddr := boxes.Create()
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{kind: deContextOpen, returnAddr: returnAddr, replyTo: replyTo}})
	boxes.Receive(fib, replyTo)

	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{kind: deContextClose, returnAddr: returnAddr, replyTo: replyTo}})
	env, ok, err := boxes.Receive(fib, replyTo)
	if err != nil || !ok {
		t.Fatalf("expected a close reply, got ok=%v err=%v", ok, err)
	}
	reply, ok := env.Payload.(dataserviceContextCloseReply)
	if !ok || reply.Status != StatusSuccess {
		t.Fatalf("expected a successful close reply, got %+v (%T)", env.Payload, env.Payload)
	}
	if _, ok := de.Table.LookupByMailbox(returnAddr); ok {
		t.Fatalf("expected the mapping to be removed after close")
	}
}

func TestDataServiceEndpointCloseWithoutOpenIsNotFound(t *testing.T) {
	de, boxes, fib, _ := newTestDataServiceEndpoint(t)

	replyTo := boxes.Create()
	returnAddr := boxes.Create()
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{kind: deContextClose, returnAddr: returnAddr, replyTo: replyTo}})

	env, ok, err := boxes.Receive(fib, replyTo)
	if err != nil || !ok {
		t.Fatalf("expected a close reply, got ok=%v err=%v", ok, err)
	}
	reply := env.Payload.(dataserviceContextCloseReply)
	if reply.Status != StatusNotFound {
		t.Fatalf("expected not-found closing an unopened context, got %v", reply.Status)
	}
}

func TestDataServiceEndpointForwardRequestRewritesChildID(t *testing.T) {
	de, boxes, fib, _ := newTestDataServiceEndpoint(t)

	replyTo := boxes.Create()
	returnAddr := boxes.Create()
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{kind: deContextOpen, returnAddr: returnAddr, replyTo: replyTo}})
	openEnv, _, _ := boxes.Receive(fib, replyTo)
	childID := openEnv.Payload.(dataserviceContextOpenReply).ChildID

	rawReq := make([]byte, 4)
	binary.BigEndian.PutUint32(rawReq, uint32(dataserviceOpRequest))
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{
		kind:       deForwardRequest,
		returnAddr: returnAddr,
		replyTo:    replyTo,
		reqID:      VerbBlockByIDGet,
		offset:     3,
		raw:        rawReq,
	}})

	env, ok, err := boxes.Receive(fib, replyTo)
	if err != nil || !ok {
		t.Fatalf("expected a forward reply, got ok=%v err=%v", ok, err)
	}
	msg, ok := env.Payload.(writeEndpointMessage)
	if !ok {
		t.Fatalf("expected a write-endpoint DATASERVICE_MSG, got %T", env.Payload)
	}
	if msg.reqID != VerbBlockByIDGet || msg.offset != 3 {
		t.Fatalf("unexpected message header: %+v", msg)
	}
	payload, status := decodeDataserviceResponse(msg.reqID, msg.rawResp)
	if status != StatusSuccess {
		t.Fatalf("expected success, got %v", status)
	}
	if binary.BigEndian.Uint64(payload) != childID {
		t.Fatalf("expected the echoed child id to match the opened context, got %d want %d", binary.BigEndian.Uint64(payload), childID)
	}
}

func TestDataServiceEndpointForwardWithoutOpenContextIsNotFound(t *testing.T) {
	de, boxes, fib, _ := newTestDataServiceEndpoint(t)

	replyTo := boxes.Create()
	returnAddr := boxes.Create()
	boxes.Send(fib, de.Addr, Envelope{Payload: dataserviceEndpointRequest{
		kind:       deForwardRequest,
		returnAddr: returnAddr,
		replyTo:    replyTo,
		reqID:      VerbBlockByIDGet,
		offset:     1,
		raw:        make([]byte, 4),
	}})

	env, ok, err := boxes.Receive(fib, replyTo)
	if err != nil || !ok {
		t.Fatalf("expected a reply, got ok=%v err=%v", ok, err)
	}
	msg := env.Payload.(writeEndpointMessage)
	_, status := decodeDataserviceResponse(msg.reqID, msg.rawResp)
	if status != StatusNotFound {
		t.Fatalf("expected not-found forwarding without an open context, got %v", status)
	}
}
