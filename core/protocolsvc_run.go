package core

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ProtocolServiceConfig wires the protocol service's external sockets
// (spec §6: "protocol service takes (randomsock, protosock, controlsock,
// datasock, logsock, notifysock)"). The log socket has no client-
// protocol role here; Logger serves its purpose instead (spec
// SUPPLEMENTED FEATURES), so it is not modeled as a connection.
type ProtocolServiceConfig struct {
	ClientListener net.Listener
	ControlConn    net.Conn
	DataServiceConn   net.Conn
	RandomServiceConn net.Conn
	NotifyServiceConn net.Conn
	StatusListener    net.Listener // optional; nil disables the status surface

	AgentID uuid.UUID
	Logger  *log.Logger
}

// RunProtocolService accepts client connections until asked to quiesce
// or terminate, spawning the shared endpoint fibers once and, per
// accepted connection, a handshake fiber (which goes on to run as the
// protocol fiber) plus a write-endpoint fiber (spec §2, §4.3-§4.7). It blocks until every spawned fiber has exited.
func RunProtocolService(cfg ProtocolServiceConfig, life *Lifecycle) error {
	sched := NewScheduler(life)
	boxes := NewMailboxes()

	dataAddr := boxes.Create()
	notifyAddr := boxes.Create()

	ctx := NewProtocolContext(life, boxes, cfg.AgentID, dataAddr, 0, notifyAddr)
	router := NewExtendedAPIRouter(ctx)
	rnd := &RandomServiceClient{Conn: cfg.RandomServiceConn}

	sched.Spawn("dataservice-endpoint", func(fib *Fiber) error {
		de := &DataServiceEndpointFiber{
			Addr:   dataAddr,
			Client: &DataServiceClient{Conn: cfg.DataServiceConn},
			Boxes:  boxes,
			Table:  NewMailboxContextTable(),
			Log:    fiberLog(cfg.Logger, fib.ID),
		}
		return de.Run(fib)
	})

	notifyXlat := NewOffsetXlatTable()
	ctx.NotifyXlat = notifyXlat
	sched.Spawn("notify-endpoint", func(fib *Fiber) error {
		ne := &NotifyEndpointFiber{
			Addr:  notifyAddr,
			Conn:  cfg.NotifyServiceConn,
			Boxes: boxes,
			Xlat:  notifyXlat,
			Log:   fiberLog(cfg.Logger, fib.ID),
		}
		return ne.Run(fib)
	})
	sched.Spawn("notify-response-pump", func(fib *Fiber) error {
		ne := &NotifyEndpointFiber{
			Addr:  notifyAddr,
			Conn:  cfg.NotifyServiceConn,
			Boxes: boxes,
			Xlat:  notifyXlat,
			Log:   fiberLog(cfg.Logger, fib.ID),
		}
		return ne.PumpResponses(fib)
	})

	if cfg.ControlConn != nil {
		sched.Spawn("control", func(fib *Fiber) error {
			cf := &ControlFiber{Ctx: ctx, Conn: cfg.ControlConn, Log: fiberLog(cfg.Logger, fib.ID)}
			return cf.Run(fib)
		})
	}

	sched.Spawn("client-accept", func(fib *Fiber) error {
		return protocolAcceptLoop(fib, cfg.ClientListener, sched, boxes, ctx, router, rnd, cfg.Logger)
	})

	if cfg.StatusListener != nil {
		status := &StatusServer{Life: life, Sched: sched}
		srv := &http.Server{Handler: status.Handler()}
		go func() { _ = srv.Serve(cfg.StatusListener) }()
		go func() {
			<-life.terminateCh()
			_ = srv.Shutdown(context.Background())
		}()
	}

	go func() {
		<-life.terminateCh()
		_ = cfg.ClientListener.Close()
	}()
	go func() {
		<-life.quiesceCh()
		_ = cfg.ClientListener.Close()
	}()

	return sched.Wait()
}

func protocolAcceptLoop(fib *Fiber, ln net.Listener, sched *Scheduler, boxes *Mailboxes, ctx *ProtocolContext, router *ExtendedAPIRouter, rnd *RandomServiceClient, logger *log.Logger) error {
	for !fib.ShouldExit() {
		conn, err := ln.Accept()
		if err != nil {
			if fib.ShouldExit() {
				return nil
			}
			return err
		}

		sched.Spawn("protocol-handshake", func(hfib *Fiber) error {
			return runAcceptedConnection(hfib, conn, sched, boxes, ctx, router, rnd, logger)
		})
	}
	return nil
}

// runAcceptedConnection performs the handshake inline (spec §4.3), then
// spawns the write-endpoint and protocol dispatch fibers for the
// session it produced (spec §4.4, §4.5). The handshake fiber's own
// goroutine becomes the protocol fiber's goroutine; no extra hop is
// needed since nothing else addresses it by mailbox before the
// handshake completes. On return it takes every notification
// translation entry still held for this connection's write endpoint.
func runAcceptedConnection(fib *Fiber, conn net.Conn, sched *Scheduler, boxes *Mailboxes, ctx *ProtocolContext, router *ExtendedAPIRouter, rnd *RandomServiceClient, logger *log.Logger) error {
	entry := fiberLog(logger, fib.ID)

	result, status, err := RunServerHandshake(conn, ctx, rnd)
	if status != StatusSuccess || err != nil {
		conn.Close()
		if err != nil {
			return NewStatusError("protocolsvc.handshake", StatusIOError, err)
		}
		return nil
	}

	session := NewSession()
	session.PeerID = result.Entity.ID
	session.Entity = result.Entity
	session.SharedSecret = result.SharedSecret
	session.ClientIVs = result.ClientIVs
	session.ServerIV = result.ServerIVStart

	writeAddr := boxes.Create()
	selfAddr := boxes.Create()

	session.Retain()
	sched.Spawn("write-endpoint", func(wfib *Fiber) error {
		defer boxes.Close(writeAddr)
		we := &WriteEndpointFiber{Addr: writeAddr, Conn: conn, Boxes: boxes, Session: session, Log: fiberLog(logger, wfib.ID)}
		return we.Run(wfib)
	})

	pf := &ProtocolFiber{
		Ctx:       ctx,
		Conn:      conn,
		Router:    router,
		SelfAddr:  selfAddr,
		WriteAddr: writeAddr,
		Session:   session,
		Log:       entry,
	}
	defer boxes.Close(selfAddr)
	defer router.Disable(session.Entity.ID)
	defer conn.Close()
	defer func() {
		for _, e := range ctx.NotifyXlat.Entries() {
			if e.ClientMailbox == writeAddr {
				ctx.NotifyXlat.Take(e.ServerOffset)
			}
		}
	}()

	if status := pf.OpenDataContext(fib); status != StatusSuccess {
		entry.Warnf("data context open failed: %s", status)
		_ = boxes.Send(fib, writeAddr, Envelope{Payload: WriteEndpointShutdown()})
		return nil
	}

	return pf.Run(fib)
}
