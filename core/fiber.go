package core

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler is the Go re-expression of the source's cooperative fiber
// scheduler (spec §4.1, §9 "Coroutine control flow"). Rather than a
// stackful coroutine library, each fiber is a goroutine whose only
// blocking points are channel operations against its mailbox and the
// process Lifecycle; there is no preemption to model because the Go
// runtime's own scheduler already yields at those same points.
//
// A Scheduler owns the registry of live fibers and the errgroup used to
// wait for them and to surface the first fatal fiber error as the
// process exit code.
type Scheduler struct {
	life *Lifecycle

	mu     sync.Mutex
	fibers map[string]*Fiber
	seq    int

	group *errgroup.Group
}

// NewScheduler creates a scheduler bound to life. Every fiber spawned
// from this scheduler observes life's quiesce/terminate broadcasts.
func NewScheduler(life *Lifecycle) *Scheduler {
	return &Scheduler{
		life:   life,
		fibers: make(map[string]*Fiber),
		group:  &errgroup.Group{},
	}
}

// Fiber is a single cooperative task. Role is a human name ("protocol",
// "write-endpoint", "accept") used for logging and as the prefix of the
// fiber's ID; it is not required to be unique.
type Fiber struct {
	Role string
	ID   string

	sched *Scheduler
	life  *Lifecycle
	done  chan struct{}
}

// Quiesce returns the channel that closes when a QUIESCE_REQUEST has been
// broadcast. A fiber's dispatch loop selects on this alongside its
// mailbox receive to implement the "retry yield, exit at next loop head"
// discipline from spec §4.1.
func (f *Fiber) Quiesce() <-chan struct{} { return f.life.quiesceCh() }

// Terminate returns the channel that closes when a TERMINATE_REQUEST has
// been broadcast.
func (f *Fiber) Terminate() <-chan struct{} { return f.life.terminateCh() }

// ShouldExit reports `quiesce || terminate`, the negation of the spec's
// loop condition `!quiesce && !terminate`.
func (f *Fiber) ShouldExit() bool {
	return f.life.Quiescing() || f.life.Terminating()
}

// Spawn registers and runs fn as a new fiber under role. fn receives the
// Fiber handle it is running as, so it can check ShouldExit/Quiesce/
// Terminate at its loop head. Any error fn returns is surfaced by Wait as
// the first non-nil error observed from any fiber, matching the spec's
// "exit codes propagated from the first failing operation" rule (§6).
func (s *Scheduler) Spawn(role string, fn func(f *Fiber) error) *Fiber {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%s-%d", role, s.seq)
	fib := &Fiber{Role: role, ID: id, sched: s, life: s.life, done: make(chan struct{})}
	s.fibers[id] = fib
	s.mu.Unlock()

	s.group.Go(func() error {
		defer close(fib.done)
		defer func() {
			s.mu.Lock()
			delete(s.fibers, id)
			s.mu.Unlock()
		}()
		return fn(fib)
	})

	return fib
}

// Count returns the number of fibers currently registered, used by the
// status HTTP surface.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fibers)
}

// Wait blocks until every spawned fiber has returned, then returns the
// first non-nil error any of them produced (or nil).
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
