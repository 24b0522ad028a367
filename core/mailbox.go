package core

import (
	"errors"
	"sync"
)

// Address is a mailbox address. 0 means "none", matching spec §4.1.
type Address uint64

// Envelope is a mailbox message. It carries an owning reference to
// Payload (receiving a message transfers ownership to the receiver, per
// spec §4.1) plus the return address the sender wants replies delivered
// to.
type Envelope struct {
	Payload any
	Return  Address
}

var errMailboxClosed = errors.New("mailbox: closed")

// mailbox is a single addressed message queue. The registry of mailboxes
// is guarded by a lock: unlike the single-threaded-per-process source,
// each Go fiber is its own goroutine, so mailbox create/close must be
// safe for concurrent callers even though message delivery itself is a
// plain channel operation.
type mailbox struct {
	ch     chan Envelope
	closed chan struct{}
	once   sync.Once
}

// Mailboxes is the mailbox discipline: a process-wide registry of
// addressed queues. One Mailboxes instance is shared by every fiber in a
// protocolsvc or notifysvc process.
type Mailboxes struct {
	mu   sync.Mutex
	next Address
	boxs map[Address]*mailbox
}

// NewMailboxes returns an empty mailbox registry.
func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxs: make(map[Address]*mailbox)}
}

// Create allocates a new mailbox and returns its address. Addresses are
// never reused while any reference to them might still be outstanding;
// callers that need id-reclamation semantics (e.g. data-service child
// context ids) track that separately in core/xlat.go.
func (m *Mailboxes) Create() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	addr := m.next
	m.boxs[addr] = &mailbox{ch: make(chan Envelope, 32), closed: make(chan struct{})}
	return addr
}

// Close releases the mailbox at addr. Any fiber blocked in Receive on
// addr unblocks with errMailboxClosed.
func (m *Mailboxes) Close(addr Address) {
	m.mu.Lock()
	box, ok := m.boxs[addr]
	if ok {
		delete(m.boxs, addr)
	}
	m.mu.Unlock()
	if ok {
		box.once.Do(func() { close(box.closed) })
	}
}

func (m *Mailboxes) lookup(addr Address) (*mailbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxs[addr]
	return box, ok
}

// Send delivers msg to the mailbox at `to`. It may suspend the calling
// fiber if the discipline backpressures (spec §5); here that is modeled
// as a buffered channel send that blocks once the buffer is full, and
// unblocks early if terminate fires or the target mailbox closes, so a
// fiber can still exit promptly under backpressure. Quiesce alone does
// not unblock it.
func (m *Mailboxes) Send(fib *Fiber, to Address, msg Envelope) error {
	box, ok := m.lookup(to)
	if !ok {
		return errMailboxClosed
	}
	select {
	case box.ch <- msg:
		return nil
	case <-box.closed:
		return errMailboxClosed
	case <-fib.Terminate():
		return errMailboxClosed
	}
}

// Receive blocks until a message arrives at addr, the mailbox is closed,
// or the process terminates. It returns ok=false with a nil error only
// when quiesce fired and the fiber should retry its loop head per spec
// §4.1 ("retry yield" on QUIESCE_REQUEST).
func (m *Mailboxes) Receive(fib *Fiber, addr Address) (Envelope, bool, error) {
	box, ok := m.lookup(addr)
	if !ok {
		return Envelope{}, false, errMailboxClosed
	}
	select {
	case msg := <-box.ch:
		return msg, true, nil
	case <-box.closed:
		return Envelope{}, false, errMailboxClosed
	case <-fib.Terminate():
		return Envelope{}, false, errMailboxClosed
	case <-fib.Quiesce():
		return Envelope{}, false, nil
	}
}
