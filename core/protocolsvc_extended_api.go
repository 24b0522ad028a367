package core

import (
	"sync"

	"github.com/google/uuid"
)

// ExtendedAPIRouter implements the EXTENDED_API_* request family (spec
// §4.4): sentinel registration, routed sendrecv with response-xlat
// bookkeeping, and sendresp resolution. It is owned by the protocol
// service's root context and shared read/write across every protocol
// fiber (unlike the source's single-threaded process, concurrent
// goroutines require the lock here).
type ExtendedAPIRouter struct {
	ctx *ProtocolContext

	mu sync.Mutex

	// responseXlat maps a target sentinel's assigned server offset back
	// to the caller's (mailbox, client offset), per spec §3 "Extended-API
	// response xlat." Keyed per-target because offsets are "monotonically
	// assigned per sentinel," so it is itself an OffsetXlatTable per
	// routed entity.
	perEntity map[uuid.UUID]*OffsetXlatTable
}

// NewExtendedAPIRouter returns a router bound to ctx's route table.
func NewExtendedAPIRouter(ctx *ProtocolContext) *ExtendedAPIRouter {
	return &ExtendedAPIRouter{ctx: ctx, perEntity: make(map[uuid.UUID]*OffsetXlatTable)}
}

// Enable registers entity -> mailbox as the extended-API route for
// entity, enforcing "at most one route per entity" (spec §3) by
// overwriting any prior route.
func (r *ExtendedAPIRouter) Enable(entity uuid.UUID, mailbox Address) {
	r.ctx.routes.enable(entity, mailbox)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.perEntity[entity]; !ok {
		r.perEntity[entity] = NewOffsetXlatTable()
	}
}

// Disable removes entity's extended-API route, at disconnect or
// explicit unroute (spec §3).
func (r *ExtendedAPIRouter) Disable(entity uuid.UUID) {
	r.ctx.routes.remove(entity)
}

// SendRecv routes a sendrecv request from (callerAddr, callerOffset) to
// target's registered route, assigning a fresh server offset scoped to
// target and recording the xlat entry (spec §4.4). It returns the
// client request (not yet encoded) to send to the target's write
// endpoint, and the target's mailbox.
func (r *ExtendedAPIRouter) SendRecv(target uuid.UUID, callerAddr Address, callerOffset uint32, payload []byte) (ClientRequest, Address, Status) {
	targetMailbox, ok := r.ctx.routes.lookup(target)
	if !ok {
		return ClientRequest{}, 0, StatusNotFound
	}

	r.mu.Lock()
	xlat, ok := r.perEntity[target]
	if !ok {
		xlat = NewOffsetXlatTable()
		r.perEntity[target] = xlat
	}
	r.mu.Unlock()

	serverOffset := xlat.Insert(callerAddr, callerOffset)
	req := ClientRequest{RequestID: VerbExtendedAPISendrecv, Offset: uint32(serverOffset), Payload: payload}
	return req, targetMailbox, StatusSuccess
}

// SendResp resolves a sendresp citing serverOffset against target's
// response-xlat table, returning the caller's mailbox and client offset
// to encode the response at (spec §4.4). The entry is removed on
// resolution.
func (r *ExtendedAPIRouter) SendResp(target uuid.UUID, serverOffset uint32) (Address, uint32, Status) {
	r.mu.Lock()
	xlat, ok := r.perEntity[target]
	r.mu.Unlock()
	if !ok {
		return 0, 0, StatusNotFound
	}
	entry, ok := xlat.Take(uint64(serverOffset))
	if !ok {
		return 0, 0, StatusNotFound
	}
	return entry.ClientMailbox, entry.ClientOffset, StatusSuccess
}
