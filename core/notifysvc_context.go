package core

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// NotifyContext is the notification service's root context (spec §2):
// the current head block id and the list of attached instances. Reads
// and writes cross fiber (goroutine) boundaries — a BLOCK_UPDATE
// processed by one instance's protocol fiber must swap assertion lists
// out of every other instance — so, unlike the source's single-threaded
// process, this context carries its own mutex (each NotifyInstance
// guards its assertion list with another).
type NotifyContext struct {
	Life *Lifecycle
	Log  *log.Logger

	mu            sync.Mutex
	latestBlockID BlockID
	instances     []*NotifyInstance
}

// NewNotifyContext returns a fresh root context with an empty (all-zero)
// latest block id, matching "block id = zero-UUID when ledger is empty"
// (spec §8 scenario S1).
func NewNotifyContext(life *Lifecycle, logger *log.Logger) *NotifyContext {
	return &NotifyContext{Life: life, Log: logger}
}

// AddInstance registers inst so future BLOCK_UPDATEs sweep its
// assertions.
func (c *NotifyContext) AddInstance(inst *NotifyInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = append(c.instances, inst)
}

// RemoveInstance unregisters inst at connection teardown.
func (c *NotifyContext) RemoveInstance(inst *NotifyInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.instances {
		if existing == inst {
			c.instances = append(c.instances[:i], c.instances[i+1:]...)
			return
		}
	}
}

// LatestBlockID returns the current head block id.
func (c *NotifyContext) LatestBlockID() BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestBlockID
}

// BlockUpdate is the BLOCK_UPDATE operation from spec §4.2: it sets the
// new head, then, for every instance, atomically swaps its assertion
// list out for an empty one, and only then (after every swap has
// completed, so no instance can race a fresh insert into the old list)
// returns the swapped-out lists; the caller walks them to send the
// invalidations. This
// ordering is load-bearing per spec §4.2: "no new assertion races with
// the invalidation wave" and spec §8 property 5.
func (c *NotifyContext) BlockUpdate(newBlockID BlockID) []swappedAssertions {
	c.mu.Lock()
	c.latestBlockID = newBlockID
	instances := append([]*NotifyInstance(nil), c.instances...)
	c.mu.Unlock()

	work := make([]swappedAssertions, 0, len(instances))
	for _, inst := range instances {
		work = append(work, swappedAssertions{
			inst:    inst,
			entries: inst.swapOutAssertions(),
		})
	}
	return work
}

type swappedAssertions struct {
	inst    *NotifyInstance
	entries []*assertionEntry
}
