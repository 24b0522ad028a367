package core

import (
	"net"
	"testing"

	log "github.com/sirupsen/logrus"
)

func newTestSessionForWrite() *Session {
	s := NewSession()
	s.SharedSecret = SharedSecret{1, 2, 3, 4, 5}
	s.ServerIV = 0x8000000000000001
	return s
}

func TestWriteEndpointPacketIsWrittenVerbatimAsAuthenticatedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	sess := newTestSessionForWrite()
	we := &WriteEndpointFiber{Addr: addr, Conn: server, Boxes: boxes, Session: sess, Log: log.NewEntry(log.New())}
	fib := sched.Spawn("write-endpoint", func(f *Fiber) error { return we.Run(f) })

	payload := []byte("hello")
	if err := boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: wePacket, packet: payload}}); err != nil {
		t.Fatalf("send packet: %v", err)
	}

	aead, err := AEAD(sess.SharedSecret)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	tracker := NewIVTracker(0x8000000000000001)
	got, err := ReadAuthenticatedFrame(client, aead, tracker)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected the packet payload verbatim, got %q", got)
	}

	if err := boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: weShutdown}}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	if err := sched.Wait(); err != nil {
		t.Fatalf("write endpoint exited with error: %v", err)
	}
}

func TestWriteEndpointDataserviceMsgReencodesAsClientResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	sess := newTestSessionForWrite()
	we := &WriteEndpointFiber{Addr: addr, Conn: server, Boxes: boxes, Session: sess, Log: log.NewEntry(log.New())}
	fib := sched.Spawn("write-endpoint", func(f *Fiber) error { return we.Run(f) })

	raw := append(encodeStatusOnly(StatusSuccess), []byte("body")...)
	msg := WriteEndpointDataserviceMsg(VerbBlockByIDGet, 7, raw)
	if err := boxes.Send(fib, addr, Envelope{Payload: msg}); err != nil {
		t.Fatalf("send dataservice msg: %v", err)
	}

	aead, err := AEAD(sess.SharedSecret)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	tracker := NewIVTracker(0x8000000000000001)
	gotRaw, err := ReadAuthenticatedFrame(client, aead, tracker)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	resp, err := DecodeClientResponse(gotRaw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != VerbBlockByIDGet || resp.Offset != 7 || resp.Status != StatusSuccess {
		t.Fatalf("unexpected response header: %+v", resp)
	}
	if string(resp.Payload) != "body" {
		t.Fatalf("expected the data-service payload tail, got %q", resp.Payload)
	}

	boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: weShutdown}})
	sched.Wait()
}

func TestWriteEndpointServerIVsAreMonotonicAcrossMessages(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boxes := NewMailboxes()
	addr := boxes.Create()
	life := NewLifecycle()
	sched := NewScheduler(life)

	sess := newTestSessionForWrite()
	we := &WriteEndpointFiber{Addr: addr, Conn: server, Boxes: boxes, Session: sess, Log: log.NewEntry(log.New())}
	fib := sched.Spawn("write-endpoint", func(f *Fiber) error { return we.Run(f) })

	boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: wePacket, packet: []byte("a")}})
	boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: wePacket, packet: []byte("b")}})

	aead, err := AEAD(sess.SharedSecret)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	tracker := NewIVTracker(0x8000000000000001)
	if _, err := ReadAuthenticatedFrame(client, aead, tracker); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if _, err := ReadAuthenticatedFrame(client, aead, tracker); err != nil {
		t.Fatalf("read second frame: %v", err)
	}

	boxes.Send(fib, addr, Envelope{Payload: writeEndpointMessage{kind: weShutdown}})
	sched.Wait()
}
