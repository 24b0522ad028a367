package core

import (
	"sync"

	"github.com/google/uuid"
)

// ProtocolContext is the protocol service's root context (spec §2): the
// long-term agent keypair, the authorized-entity dictionary, the
// extended-API route table, and the mailbox addresses of the shared
// endpoint fibers. It is read-mostly after startup; the only writers
// are the control fiber (entity/key provisioning) and the lifecycle
// flags.
type ProtocolContext struct {
	Life  *Lifecycle
	Boxes *Mailboxes

	AgentID  uuid.UUID
	EncKeys  EncryptionKeyPair
	SignKeys SigningKeyPair

	Entities *EntityDict

	DataServiceAddr   Address
	RandomServiceAddr Address
	NotifyEndpointAddr Address

	// NotifyXlat is the server-offset translation table shared with the
	// notify endpoint fiber (spec §4.2). Protocol fibers assign a server
	// offset here directly at ASSERT time so that a later CANCEL on the
	// same connection can reuse it, instead of minting a new one.
	NotifyXlat *OffsetXlatTable

	routes      routeTable
	privKeySet  bool
	finalizeReq bool
}

// routeTable is the extended-API route dictionary (spec §3): entity
// UUID -> the write-endpoint mailbox of the connection that enabled
// extended-API routing for it. At most one route per entity.
type routeTable struct {
	mu     sync.Mutex
	routes map[uuid.UUID]Address
}

func newRouteTable() routeTable {
	return routeTable{routes: make(map[uuid.UUID]Address)}
}

func (r *routeTable) enable(entity uuid.UUID, mailbox Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[entity] = mailbox
}

func (r *routeTable) lookup(entity uuid.UUID) (Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.routes[entity]
	return addr, ok
}

func (r *routeTable) remove(entity uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, entity)
}

// NewProtocolContext returns a root context wired to the given
// endpoint mailbox addresses (already spawned by the caller).
func NewProtocolContext(life *Lifecycle, boxes *Mailboxes, agentID uuid.UUID, dataAddr, randomAddr, notifyAddr Address) *ProtocolContext {
	return &ProtocolContext{
		Life:               life,
		Boxes:              boxes,
		AgentID:            agentID,
		Entities:           NewEntityDict(),
		DataServiceAddr:    dataAddr,
		RandomServiceAddr:  randomAddr,
		NotifyEndpointAddr: notifyAddr,
		routes:             newRouteTable(),
	}
}

// SetPrivateKeys installs the agent's long-term keys, per the control
// plane's PRIVATE_KEY_SET command (spec §4.6).
func (c *ProtocolContext) SetPrivateKeys(enc EncryptionKeyPair, sign SigningKeyPair) {
	c.EncKeys = enc
	c.SignKeys = sign
	c.privKeySet = true
}

// PrivateKeysSet reports whether PRIVATE_KEY_SET has run.
func (c *ProtocolContext) PrivateKeysSet() bool { return c.privKeySet }
