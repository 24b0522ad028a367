package core

import "sync"

// Lifecycle is the management discipline from spec §4.1/§5: it broadcasts
// QUIESCE_REQUEST and TERMINATE_REQUEST to every fiber in a process. The
// source delivers these as "unexpected resume" events on each fiber's
// next yield; here they are plain closed channels, which every blocking
// select in the codebase includes as a case, giving the same "a fiber
// resumes exactly when its awaited event occurs, or when quiesce/
// terminate fires" guarantee without a callback registry.
type Lifecycle struct {
	quiesceOnce   sync.Once
	terminateOnce sync.Once

	quiesce   chan struct{}
	terminate chan struct{}
}

// NewLifecycle returns a Lifecycle ready to be shared by every fiber in a
// process.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		quiesce:   make(chan struct{}),
		terminate: make(chan struct{}),
	}
}

// RequestQuiesce broadcasts QUIESCE_REQUEST. Idempotent.
func (l *Lifecycle) RequestQuiesce() {
	l.quiesceOnce.Do(func() { close(l.quiesce) })
}

// RequestTerminate broadcasts TERMINATE_REQUEST. Idempotent. Per spec
// §5, terminate does not imply quiesce was requested first, but in
// practice the signal bridge always requests quiesce first; fibers must
// check both independently.
func (l *Lifecycle) RequestTerminate() {
	l.terminateOnce.Do(func() { close(l.terminate) })
}

// Quiescing reports whether QUIESCE_REQUEST has been broadcast.
func (l *Lifecycle) Quiescing() bool {
	select {
	case <-l.quiesce:
		return true
	default:
		return false
	}
}

// Terminating reports whether TERMINATE_REQUEST has been broadcast.
func (l *Lifecycle) Terminating() bool {
	select {
	case <-l.terminate:
		return true
	default:
		return false
	}
}

func (l *Lifecycle) quiesceCh() <-chan struct{}   { return l.quiesce }
func (l *Lifecycle) terminateCh() <-chan struct{} { return l.terminate }
