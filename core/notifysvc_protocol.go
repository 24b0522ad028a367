package core

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// NotifyProtocolFiber runs the notification service's decode-dispatch
// loop for one attached instance (spec §2, §4.2). It reads requests
// directly off the instance's socket (the only I/O this fiber performs)
// and replies by enqueueing responses to the instance's outbound
// endpoint fiber mailbox, never writing to the socket itself (spec
// §4.5's single-writer discipline, mirrored here).
type NotifyProtocolFiber struct {
	Ctx   *NotifyContext
	Inst  *NotifyInstance
	Conn  io.Reader
	Boxes *Mailboxes
	Log   *log.Entry

	fib *Fiber
}

// Run is the fiber entry point (notificationservice_protocol_fiber_entry.c):
// loop reading and dispatching requests until quiesce/terminate or a
// fatal request error, which — per spec §4.2 — also signals the whole
// process to terminate (the source's "kill(getpid(), SIGTERM)").
func (pf *NotifyProtocolFiber) Run(fib *Fiber) error {
	pf.fib = fib
	for !fib.ShouldExit() {
		req, err := ReadNotifyRequest(pf.Conn)
		if err != nil {
			return nil
		}

		status, fatal := pf.dispatch(fib, req)

		if fatal {
			pf.Log.Errorf("fatal request error, terminating process: %s", status)
			pf.Ctx.Life.RequestTerminate()
			return NewStatusError("notifysvc.protocol", status, nil)
		}
	}
	return nil
}

// dispatch routes req to its handler and reports whether the error is
// fatal to the whole process, per spec §4.2's failure semantics.
func (pf *NotifyProtocolFiber) dispatch(fib *Fiber, req NotifyRequest) (Status, bool) {
	switch req.Method {
	case NotifyMethodReduceCaps:
		return pf.dispatchReduceCaps(req)
	case NotifyMethodBlockUpdate:
		return pf.dispatchBlockUpdate(fib, req)
	case NotifyMethodBlockAssertion:
		return pf.dispatchBlockAssertion(req)
	case NotifyMethodBlockAssertionCancel:
		return pf.dispatchBlockAssertionCancel(req)
	default:
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusMalformedRequest)
		return StatusMalformedRequest, true
	}
}

func (pf *NotifyProtocolFiber) dispatchReduceCaps(req NotifyRequest) (Status, bool) {
	if !pf.Inst.Caps.Has(VerbReduceCaps) {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusUnauthorized)
		return StatusUnauthorized, true
	}

	want := (int(verbCount) + 7) / 8
	if len(req.Payload) != want {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusMalformedRequest)
		return StatusMalformedRequest, true
	}

	intersect, status := CapabilitySetFromBits(req.Payload)
	if status != StatusSuccess {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, status)
		return status, true
	}

	pf.Inst.Caps.Intersect(intersect)
	pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusSuccess)
	return StatusSuccess, false
}

func (pf *NotifyProtocolFiber) dispatchBlockUpdate(fib *Fiber, req NotifyRequest) (Status, bool) {
	if !pf.Inst.Caps.Has(VerbBlockUpdate) {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusUnauthorized)
		return StatusUnauthorized, true
	}
	if len(req.Payload) != BlockIDSize {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusMalformedRequest)
		return StatusMalformedRequest, true
	}

	var newBlockID BlockID
	copy(newBlockID[:], req.Payload)

	work := pf.Ctx.BlockUpdate(newBlockID)
	for _, w := range work {
		for _, entry := range w.entries {
			pf.sendResponse(w.inst.OutboundAddr, NotifyMethodBlockAssertion, entry.offset, StatusSuccess)
		}
	}

	pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusSuccess)
	return StatusSuccess, false
}

func (pf *NotifyProtocolFiber) dispatchBlockAssertion(req NotifyRequest) (Status, bool) {
	if !pf.Inst.Caps.Has(VerbBlockAssertion) {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusUnauthorized)
		return StatusUnauthorized, true
	}
	if len(req.Payload) != BlockIDSize {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusMalformedRequest)
		return StatusMalformedRequest, true
	}

	var claimed BlockID
	copy(claimed[:], req.Payload)

	if claimed != pf.Ctx.LatestBlockID() {
		// already invalid: reply immediately (spec §4.2).
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusSuccess)
		return StatusSuccess, false
	}

	// reply is deferred until invalidation or cancel (spec §4.2).
	pf.Inst.InsertAssertion(req.Offset)
	return StatusSuccess, false
}

func (pf *NotifyProtocolFiber) dispatchBlockAssertionCancel(req NotifyRequest) (Status, bool) {
	if !pf.Inst.Caps.Has(VerbBlockAssertionCancel) {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusUnauthorized)
		return StatusUnauthorized, true
	}
	if len(req.Payload) != 0 {
		pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusMalformedRequest)
		return StatusMalformedRequest, true
	}

	pf.Inst.CancelAssertion(req.Offset)
	// not-found is folded into success (spec §4.2, §8 property 7).
	pf.sendResponse(pf.Inst.OutboundAddr, req.Method, req.Offset, StatusSuccess)
	return StatusSuccess, false
}

// sendResponse enqueues resp to the target outbound endpoint's mailbox.
// A full mailbox would otherwise block the dispatch loop; the outbound
// endpoint's queue is sized generously (core/mailbox.go) so this should
// never happen in practice, and if it does the fiber exits via
// fib.Terminate() like any other mailbox send (spec §5).
func (pf *NotifyProtocolFiber) sendResponse(to Address, method NotifyMethodID, offset uint32, status Status) {
	_ = pf.Boxes.Send(pf.fib, to, Envelope{
		Payload: NotifyResponse{Method: method, Offset: offset, Status: status},
	})
}
