package core

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
)

func newTestProtocolFiber(t *testing.T, inst *NotifyInstance, boxes *Mailboxes, ctx *NotifyContext) (*NotifyProtocolFiber, *Fiber) {
	t.Helper()
	life := NewLifecycle()
	sched := NewScheduler(life)
	fib := sched.Spawn("test", func(f *Fiber) error { return nil })
	pf := &NotifyProtocolFiber{
		Ctx:   ctx,
		Inst:  inst,
		Conn:  nil,
		Boxes: boxes,
		Log:   log.NewEntry(log.New()),
		fib:   fib,
	}
	return pf, fib
}

func recvResponse(t *testing.T, boxes *Mailboxes, fib *Fiber, addr Address) NotifyResponse {
	t.Helper()
	env, ok, err := boxes.Receive(fib, addr)
	if err != nil || !ok {
		t.Fatalf("expected a response envelope, got ok=%v err=%v", ok, err)
	}
	resp, ok := env.Payload.(NotifyResponse)
	if !ok {
		t.Fatalf("expected payload to be a NotifyResponse, got %T", env.Payload)
	}
	return resp
}

func TestDispatchReduceCapsNarrowsAndRequiresCapability(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	ctx := NewNotifyContext(NewLifecycle(), log.New())
	pf, fib := newTestProtocolFiber(t, inst, boxes, ctx)

	want := (int(verbCount) + 7) / 8
	bits := make([]byte, want)
	// clear only VerbBlockUpdate's bit, leave every other verb granted.
	bits[VerbReduceCaps/8] |= 1 << (VerbReduceCaps % 8)
	for v := Verb(0); int(v) < int(verbCount); v++ {
		if v == VerbBlockUpdate {
			continue
		}
		bits[v/8] |= 1 << (v % 8)
	}

	status, fatal := pf.dispatchReduceCaps(NotifyRequest{Method: NotifyMethodReduceCaps, Offset: 1, Payload: bits})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected success, got status=%v fatal=%v", status, fatal)
	}
	resp := recvResponse(t, boxes, fib, outbound)
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success response, got %v", resp.Status)
	}
	if inst.Caps.Has(VerbBlockUpdate) {
		t.Fatalf("expected block-update capability to be dropped after intersect")
	}
	if !inst.Caps.Has(VerbReduceCaps) {
		t.Fatalf("expected reduce-caps capability to remain granted")
	}

	// now that VerbReduceCaps is still granted, but drop it too and confirm
	// a subsequent REDUCE_CAPS is then rejected.
	bits2 := make([]byte, want)
	for v := Verb(0); int(v) < int(verbCount); v++ {
		if v == VerbReduceCaps {
			continue
		}
		bits2[v/8] |= 1 << (v % 8)
	}
	status, fatal = pf.dispatchReduceCaps(NotifyRequest{Method: NotifyMethodReduceCaps, Offset: 2, Payload: bits2})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected second reduce-caps to still succeed, got status=%v fatal=%v", status, fatal)
	}
	recvResponse(t, boxes, fib, outbound)
	if inst.Caps.Has(VerbReduceCaps) {
		t.Fatalf("expected reduce-caps capability itself to now be dropped")
	}

	status, fatal = pf.dispatchReduceCaps(NotifyRequest{Method: NotifyMethodReduceCaps, Offset: 3, Payload: bits})
	if status != StatusUnauthorized || !fatal {
		t.Fatalf("expected unauthorized+fatal once reduce-caps itself is revoked, got status=%v fatal=%v", status, fatal)
	}
	resp = recvResponse(t, boxes, fib, outbound)
	if resp.Status != StatusUnauthorized {
		t.Fatalf("expected unauthorized response, got %v", resp.Status)
	}
}

func TestDispatchBlockAssertionStaleRepliesImmediately(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	ctx := NewNotifyContext(NewLifecycle(), log.New())
	pf, _ := newTestProtocolFiber(t, inst, boxes, ctx)

	var current BlockID
	current[0] = 0xAA
	ctx.BlockUpdate(current)

	var stale BlockID
	stale[0] = 0xBB

	status, fatal := pf.dispatchBlockAssertion(NotifyRequest{Method: NotifyMethodBlockAssertion, Offset: 7, Payload: stale[:]})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected immediate success for a stale claim, got status=%v fatal=%v", status, fatal)
	}
	if inst.AssertionCount() != 0 {
		t.Fatalf("expected no assertion recorded for a stale claim")
	}
}

func TestDispatchBlockAssertionCurrentDefersReply(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	ctx := NewNotifyContext(NewLifecycle(), log.New())
	pf, _ := newTestProtocolFiber(t, inst, boxes, ctx)

	var current BlockID
	current[0] = 0xCC
	ctx.BlockUpdate(current)

	status, fatal := pf.dispatchBlockAssertion(NotifyRequest{Method: NotifyMethodBlockAssertion, Offset: 9, Payload: current[:]})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected deferred success, got status=%v fatal=%v", status, fatal)
	}
	if inst.AssertionCount() != 1 {
		t.Fatalf("expected one outstanding assertion, got %d", inst.AssertionCount())
	}
	// no response is sent yet: it is deferred until invalidation or cancel.
}

func TestDispatchBlockUpdateInvalidatesOutstandingAssertions(t *testing.T) {
	boxes := NewMailboxes()
	ctx := NewNotifyContext(NewLifecycle(), log.New())

	outboundA := boxes.Create()
	instA := NewNotifyInstance(outboundA)
	ctx.AddInstance(instA)

	outboundB := boxes.Create()
	instB := NewNotifyInstance(outboundB)
	ctx.AddInstance(instB)

	pfA, fibA := newTestProtocolFiber(t, instA, boxes, ctx)
	pfB, _ := newTestProtocolFiber(t, instB, boxes, ctx)

	var genesis BlockID
	ctx.BlockUpdate(genesis) // establish a current head both instances will assert against

	if status, fatal := pfA.dispatchBlockAssertion(NotifyRequest{Method: NotifyMethodBlockAssertion, Offset: 1, Payload: genesis[:]}); status != StatusSuccess || fatal {
		t.Fatalf("instance A assertion failed: status=%v fatal=%v", status, fatal)
	}
	if status, fatal := pfB.dispatchBlockAssertion(NotifyRequest{Method: NotifyMethodBlockAssertion, Offset: 2, Payload: genesis[:]}); status != StatusSuccess || fatal {
		t.Fatalf("instance B assertion failed: status=%v fatal=%v", status, fatal)
	}
	if instA.AssertionCount() != 1 || instB.AssertionCount() != 1 {
		t.Fatalf("expected both instances to have one outstanding assertion before the update")
	}

	var next BlockID
	next[0] = 0x01

	status, fatal := pfA.dispatchBlockUpdate(fibA, NotifyRequest{Method: NotifyMethodBlockUpdate, Offset: 3, Payload: next[:]})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected block update to succeed, got status=%v fatal=%v", status, fatal)
	}

	// instance A's own mailbox receives its invalidation first, then the
	// BLOCK_UPDATE ack itself, in send order.
	respA := recvResponse(t, boxes, fibA, outboundA)
	if respA.Method != NotifyMethodBlockAssertion || respA.Offset != 1 || respA.Status != StatusSuccess {
		t.Fatalf("expected instance A's assertion to be invalidated, got %+v", respA)
	}
	respB := recvResponse(t, boxes, fibA, outboundB)
	if respB.Method != NotifyMethodBlockAssertion || respB.Offset != 2 || respB.Status != StatusSuccess {
		t.Fatalf("expected instance B's assertion to be invalidated, got %+v", respB)
	}
	respSelf := recvResponse(t, boxes, fibA, outboundA)
	if respSelf.Method != NotifyMethodBlockUpdate || respSelf.Status != StatusSuccess {
		t.Fatalf("expected the caller's own BLOCK_UPDATE ack, got %+v", respSelf)
	}

	if instA.AssertionCount() != 0 || instB.AssertionCount() != 0 {
		t.Fatalf("expected both instances' assertions to be cleared after the update")
	}
	if ctx.LatestBlockID() != next {
		t.Fatalf("expected latest block id to be updated")
	}
}

func TestDispatchBlockAssertionCancelIsIdempotent(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	ctx := NewNotifyContext(NewLifecycle(), log.New())
	pf, fib := newTestProtocolFiber(t, inst, boxes, ctx)

	var current BlockID
	current[0] = 0x42
	ctx.BlockUpdate(current)
	pf.dispatchBlockAssertion(NotifyRequest{Method: NotifyMethodBlockAssertion, Offset: 5, Payload: current[:]})
	if inst.AssertionCount() != 1 {
		t.Fatalf("expected one outstanding assertion before cancel")
	}

	status, fatal := pf.dispatchBlockAssertionCancel(NotifyRequest{Method: NotifyMethodBlockAssertionCancel, Offset: 5})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected cancel to succeed, got status=%v fatal=%v", status, fatal)
	}
	recvResponse(t, boxes, fib, outbound)
	if inst.AssertionCount() != 0 {
		t.Fatalf("expected assertion to be removed")
	}

	// cancelling again (already absent) still folds to success.
	status, fatal = pf.dispatchBlockAssertionCancel(NotifyRequest{Method: NotifyMethodBlockAssertionCancel, Offset: 5})
	if status != StatusSuccess || fatal {
		t.Fatalf("expected repeat cancel to still succeed, got status=%v fatal=%v", status, fatal)
	}
	recvResponse(t, boxes, fib, outbound)
}

func TestDispatchCapabilityDeniedIsFatal(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	var none CapabilitySet
	inst.Caps = none
	ctx := NewNotifyContext(NewLifecycle(), log.New())
	pf, fib := newTestProtocolFiber(t, inst, boxes, ctx)

	status, fatal := pf.dispatchBlockAssertionCancel(NotifyRequest{Method: NotifyMethodBlockAssertionCancel, Offset: 1})
	if status != StatusUnauthorized || !fatal {
		t.Fatalf("expected unauthorized+fatal with no capabilities granted, got status=%v fatal=%v", status, fatal)
	}
	resp := recvResponse(t, boxes, fib, outbound)
	if resp.Status != StatusUnauthorized {
		t.Fatalf("expected unauthorized response, got %v", resp.Status)
	}
}

func TestRunTerminatesProcessOnUnknownMethod(t *testing.T) {
	boxes := NewMailboxes()
	outbound := boxes.Create()
	inst := NewNotifyInstance(outbound)
	life := NewLifecycle()
	ctx := NewNotifyContext(life, log.New())
	sched := NewScheduler(life)

	var buf bytes.Buffer
	if err := WriteNotifyRequest(&buf, NotifyRequest{Method: NotifyMethodID(999), Offset: 1}); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	pf := &NotifyProtocolFiber{
		Ctx:   ctx,
		Inst:  inst,
		Conn:  &buf,
		Boxes: boxes,
		Log:   log.NewEntry(log.New()),
	}

	sched.Spawn("test-protocol", func(f *Fiber) error { return pf.Run(f) })
	sched.Wait()

	if !life.Terminating() {
		t.Fatalf("expected an unknown method to request process termination")
	}
}
