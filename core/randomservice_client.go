package core

import (
	"encoding/binary"
	"io"
	"sync"
)

// RandomServiceClient serves handshake nonce material from the random
// service (spec §4.3: "Fiber requests random bytes ... from the random
// endpoint via a typed request/response message"). Treated as an
// external collaborator per spec §1; only the request/response shape is
// specified here. Every protocol connection's handshake runs inline on
// its own fiber and may call this concurrently with other handshakes in
// progress, so access to the single synchronous connection is
// serialized with a mutex rather than routed through a dedicated
// endpoint fiber and mailbox.
type RandomServiceClient struct {
	Conn io.ReadWriter

	mu sync.Mutex
}

// GetRandomBytes requests n random bytes.
func (c *RandomServiceClient) GetRandomBytes(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var req [4]byte
	binary.BigEndian.PutUint32(req[:], uint32(n))
	if err := WriteBoxedFrame(c.Conn, req[:]); err != nil {
		return nil, err
	}
	return ReadBoxedFrame(c.Conn)
}
