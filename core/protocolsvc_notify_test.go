package core

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func TestNotifyEndpointForwardUsesCallerServerOffset(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	xlat := NewOffsetXlatTable()
	ne := &NotifyEndpointFiber{Addr: addr, Conn: server, Boxes: boxes, Xlat: xlat, Log: log.NewEntry(log.New())}
	fib := sched.Spawn("notify-endpoint", func(f *Fiber) error { return ne.Run(f) })

	// the caller (a protocol fiber) decides the server offset up front,
	// the same way dispatchNotifyPassthrough does for a fresh ASSERT.
	clientAddr := boxes.Create()
	serverOffset := xlat.Insert(clientAddr, 11)
	boxes.Send(fib, addr, Envelope{Payload: notifyEndpointRequest{
		method:       NotifyMethodBlockAssertion,
		payload:      make([]byte, BlockIDSize),
		serverOffset: serverOffset,
	}})

	req, err := ReadNotifyRequest(client)
	if err != nil {
		t.Fatalf("read forwarded request: %v", err)
	}
	if req.Method != NotifyMethodBlockAssertion {
		t.Fatalf("expected the forwarded method to be preserved, got %v", req.Method)
	}
	if uint64(req.Offset) != serverOffset {
		t.Fatalf("expected the forwarded offset to match the caller-assigned server offset")
	}
	if xlat.Len() != 1 {
		t.Fatalf("expected one outstanding xlat entry, got %d", xlat.Len())
	}
	entry := xlat.Entries()[0]
	if entry.ClientMailbox != clientAddr || entry.ClientOffset != 11 {
		t.Fatalf("unexpected xlat entry: %+v", entry)
	}

	boxes.Close(addr)
	sched.Wait()
}

// TestNotifyEndpointForwardCancelReusesAssertOffset is the end-to-end
// regression for the assert-then-cancel path: it drives a real
// ProtocolFiber through an ASSERT followed by a CANCEL on the same
// connection and confirms both wire requests carry the identical server
// offset, so the notification service resolves the one xlat entry the
// ASSERT created instead of leaking it (spec §8 scenario S4).
func TestNotifyEndpointForwardCancelReusesAssertOffset(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	notifyAddr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	xlat := NewOffsetXlatTable()
	ne := &NotifyEndpointFiber{Addr: notifyAddr, Conn: server, Boxes: boxes, Xlat: xlat, Log: log.NewEntry(log.New())}
	fib := sched.Spawn("notify-endpoint", func(f *Fiber) error { return ne.Run(f) })

	ctx := NewProtocolContext(life, boxes, uuid.New(), 0, 0, notifyAddr)
	ctx.NotifyXlat = xlat

	entityID := uuid.New()
	caps := NewTripleSet()
	caps.Add(CapabilityTriple{Subject: entityID, Verb: VerbAssertLatestBlockID, Object: ctx.AgentID})
	caps.Add(CapabilityTriple{Subject: entityID, Verb: VerbAssertLatestBlockIDCancel, Object: ctx.AgentID})

	writeAddr := boxes.Create()
	pf := &ProtocolFiber{
		Ctx:       ctx,
		Session:   &Session{Entity: &AuthorizedEntity{ID: entityID, Capabilities: caps}},
		WriteAddr: writeAddr,
	}

	assertStatus := pf.dispatchNotifyPassthrough(fib, ClientRequest{RequestID: VerbAssertLatestBlockID, Offset: 5, Payload: make([]byte, BlockIDSize)})
	if assertStatus != StatusSuccess {
		t.Fatalf("expected the assert to dispatch successfully, got %v", assertStatus)
	}
	assertReq, err := ReadNotifyRequest(client)
	if err != nil {
		t.Fatalf("read forwarded assert: %v", err)
	}

	cancelStatus := pf.dispatchNotifyPassthrough(fib, ClientRequest{RequestID: VerbAssertLatestBlockIDCancel, Offset: 5})
	if cancelStatus != StatusSuccess {
		t.Fatalf("expected the cancel to dispatch successfully, got %v", cancelStatus)
	}
	cancelReq, err := ReadNotifyRequest(client)
	if err != nil {
		t.Fatalf("read forwarded cancel: %v", err)
	}

	if cancelReq.Offset != assertReq.Offset {
		t.Fatalf("expected the cancel to reuse the assert's server offset, got assert=%d cancel=%d", assertReq.Offset, cancelReq.Offset)
	}
	if cancelReq.Method != NotifyMethodBlockAssertionCancel {
		t.Fatalf("expected the cancel's method to be preserved, got %v", cancelReq.Method)
	}

	// the assert's xlat entry is still outstanding: it resolves when the
	// notification service replies to the cancel, not before.
	if xlat.Len() != 1 {
		t.Fatalf("expected the assert's xlat entry to still be the only one, got %d", xlat.Len())
	}

	// a second cancel with nothing newly outstanding must reply directly
	// rather than forwarding (and minting) a bogus extra xlat entry.
	secondCancelStatus := pf.dispatchNotifyPassthrough(fib, ClientRequest{RequestID: VerbAssertLatestBlockIDCancel, Offset: 5})
	if secondCancelStatus != StatusSuccess {
		t.Fatalf("expected the second cancel to dispatch successfully, got %v", secondCancelStatus)
	}
	env, ok, err := boxes.Receive(fib, writeAddr)
	if err != nil || !ok {
		t.Fatalf("expected a direct reply to the second cancel, got ok=%v err=%v", ok, err)
	}
	if _, ok := env.Payload.(writeEndpointMessage); !ok {
		t.Fatalf("expected a write-endpoint message, got %T", env.Payload)
	}
	if xlat.Len() != 1 {
		t.Fatalf("expected no new xlat entry from the second cancel, got %d", xlat.Len())
	}

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := ReadNotifyRequest(client); err == nil {
		t.Fatalf("expected the second cancel to not forward anything to the notification service")
	}

	boxes.Close(notifyAddr)
	sched.Wait()
}

func TestNotifyEndpointPumpResponsesResolvesXlatAndForwards(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	xlat := NewOffsetXlatTable()
	clientAddr := boxes.Create()
	serverOffset := xlat.Insert(clientAddr, 22)

	ne := &NotifyEndpointFiber{Addr: addr, Conn: client, Boxes: boxes, Xlat: xlat, Log: log.NewEntry(log.New())}
	sched.Spawn("notify-pump", func(f *Fiber) error { return ne.PumpResponses(f) })

	if err := WriteNotifyResponse(server, NotifyResponse{Method: NotifyMethodBlockAssertion, Offset: uint32(serverOffset), Status: StatusSuccess}); err != nil {
		t.Fatalf("write response: %v", err)
	}

	fakeFib := &Fiber{life: life}
	env, ok, err := boxes.Receive(fakeFib, clientAddr)
	if err != nil || !ok {
		t.Fatalf("expected a forwarded notification message, got ok=%v err=%v", ok, err)
	}
	msg, ok := env.Payload.(writeEndpointMessage)
	if !ok || msg.kind != weNotificationMsg {
		t.Fatalf("expected a NOTIFICATION_MSG write-endpoint message, got %+v", env.Payload)
	}
	if msg.reqID != VerbAssertLatestBlockID || msg.offset != 22 {
		t.Fatalf("expected the resolved client offset to be forwarded, got %+v", msg)
	}
	if xlat.Len() != 0 {
		t.Fatalf("expected the xlat entry to be removed on resolution")
	}

	server.Close()
	client.Close()
	sched.Wait()
}

func TestNotifyEndpointPumpResponsesUnknownOffsetIsIgnored(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	xlat := NewOffsetXlatTable()
	ne := &NotifyEndpointFiber{Addr: addr, Conn: client, Boxes: boxes, Xlat: xlat, Log: log.NewEntry(log.New())}
	sched.Spawn("notify-pump", func(f *Fiber) error { return ne.PumpResponses(f) })

	if err := WriteNotifyResponse(server, NotifyResponse{Method: NotifyMethodBlockAssertion, Offset: 9999, Status: StatusSuccess}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	// give the pump a chance to process the unresolvable response, then
	// confirm the connection is still alive by writing a resolvable one.
	resolvedAddr := boxes.Create()
	serverOffset := xlat.Insert(resolvedAddr, 1)
	if err := WriteNotifyResponse(server, NotifyResponse{Method: NotifyMethodBlockAssertion, Offset: uint32(serverOffset), Status: StatusSuccess}); err != nil {
		t.Fatalf("write second response: %v", err)
	}

	fakeFib := &Fiber{life: life}
	env, ok, err := boxes.Receive(fakeFib, resolvedAddr)
	if err != nil || !ok {
		t.Fatalf("expected the second, resolvable response to be forwarded, got ok=%v err=%v", ok, err)
	}
	if _, ok := env.Payload.(writeEndpointMessage); !ok {
		t.Fatalf("expected a write-endpoint message, got %T", env.Payload)
	}

	server.Close()
	client.Close()
	sched.Wait()
}
