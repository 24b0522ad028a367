package core

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// NotifyOutboundFiber is the single writer for one instance's socket
// (spec §4.5's write-endpoint discipline, mirrored on the notification
// service side: the protocol fiber only ever enqueues to this fiber's
// mailbox, never writes directly). Immediate replies and deferred
// BLOCK_ASSERTION invalidations both arrive the same way, as
// NotifyResponse envelopes.
type NotifyOutboundFiber struct {
	Addr  Address
	Conn  io.Writer
	Boxes *Mailboxes
	Log   *log.Entry
}

// Run drains of.Addr's mailbox and writes each NotifyResponse to the
// socket in arrival order, until the mailbox closes (connection
// teardown), the process quiesces/terminates, or a payload other than a
// NotifyResponse arrives (logged at error; the fiber unwinds).
func (of *NotifyOutboundFiber) Run(fib *Fiber) error {
	for {
		env, ok, err := of.Boxes.Receive(fib, of.Addr)
		if err != nil {
			return nil
		}
		if !ok {
			if fib.ShouldExit() {
				return nil
			}
			continue
		}

		resp, ok := env.Payload.(NotifyResponse)
		if !ok {
			of.Log.Errorf("outbound endpoint: unexpected mailbox payload %T", env.Payload)
			return NewStatusError("notifysvc.outbound", StatusMalformedRequest, nil)
		}

		if err := WriteNotifyResponse(of.Conn, resp); err != nil {
			of.Log.WithError(err).Error("outbound endpoint: write failed")
			return nil
		}
	}
}
