package core

import (
	"context"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// NotifyServiceConfig wires the notification service's two external
// listeners (spec §6: "notification service takes (logsock,
// consensussock, protocolsock)"). The log socket has no client-protocol
// role in this re-implementation; its purpose is served by Logger
// instead (spec SUPPLEMENTED FEATURES, ambient stack), so it is not
// modeled as a socket here.
type NotifyServiceConfig struct {
	ConsensusListener net.Listener
	ProtocolListener  net.Listener
	StatusListener    net.Listener // optional; nil disables the status surface
	Logger            *log.Logger
}

// RunNotifyService accepts connections on both listeners until the
// process is asked to quiesce or terminate, spawning one protocol fiber
// and one outbound endpoint fiber per accepted connection (spec §2,
// §4.2). It blocks until every spawned fiber has exited.
func RunNotifyService(cfg NotifyServiceConfig, life *Lifecycle) error {
	sched := NewScheduler(life)
	boxes := NewMailboxes()
	ctx := NewNotifyContext(life, cfg.Logger)

	sched.Spawn("consensus-accept", func(fib *Fiber) error {
		return acceptLoop(fib, cfg.ConsensusListener, sched, boxes, ctx, cfg.Logger, true)
	})
	sched.Spawn("protocol-accept", func(fib *Fiber) error {
		return acceptLoop(fib, cfg.ProtocolListener, sched, boxes, ctx, cfg.Logger, false)
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
		_ = cfg.ConsensusListener.Close()
		_ = cfg.ProtocolListener.Close()
	}()
	go func() {
		<-life.quiesceCh()
		_ = cfg.ConsensusListener.Close()
		_ = cfg.ProtocolListener.Close()
	}()

	return sched.Wait()
}

// capsForSide returns the starting capability set for a newly accepted
// instance: consensus-side connections may issue BLOCK_UPDATE,
// protocol-side connections may not (only the consensus process is a
// legitimate source of new block heads).
func capsForSide(isConsensus bool) CapabilitySet {
	c := AllCapabilities()
	if !isConsensus {
		c.bits[VerbBlockUpdate] = false
	}
	return c
}

func acceptLoop(fib *Fiber, ln net.Listener, sched *Scheduler, boxes *Mailboxes, ctx *NotifyContext, logger *log.Logger, isConsensus bool) error {
	for !fib.ShouldExit() {
		conn, err := ln.Accept()
		if err != nil {
			if fib.ShouldExit() {
				return nil
			}
			return err
		}

		outboundAddr := boxes.Create()
		inst := NewNotifyInstance(outboundAddr)
		inst.Caps.Intersect(capsForSide(isConsensus))
		ctx.AddInstance(inst)

		sched.Spawn("notify-outbound", func(ofib *Fiber) error {
			defer boxes.Close(outboundAddr)
			defer ctx.RemoveInstance(inst)
			defer conn.Close()
			of := &NotifyOutboundFiber{Addr: outboundAddr, Conn: conn, Boxes: boxes, Log: fiberLog(logger, ofib.ID)}
			return of.Run(ofib)
		})

		sched.Spawn("notify-protocol", func(pfib *Fiber) error {
			pf := &NotifyProtocolFiber{Ctx: ctx, Inst: inst, Conn: conn, Boxes: boxes, Log: fiberLog(logger, pfib.ID)}
			return pf.Run(pfib)
		})
	}
	return nil
}
