package swarm

import (
	"io"
	"sync"

	"github.com/lklynet/swarmcensus/internal/wire"
)

// Conn is a Swarm Adapter's view of a single direct connection: the duplex
// byte stream of spec §3, framed as newline-delimited JSON. It implements
// gossip.Conn (Write only) so the Gossip Engine never needs to know it is
// backed by a QUIC stream, a plain TCP socket handed off from Bootstrap, or
// (in tests) an in-memory pipe.
type Conn struct {
	id     uint64
	remote string
	rw     io.ReadWriteCloser
	reader *wire.Reader

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func newConn(id uint64, remote string, rw io.ReadWriteCloser) *Conn {
	return &Conn{id: id, remote: remote, rw: rw, reader: wire.NewReader(rw)}
}

// Write sends a pre-framed message. Concurrent writers are serialized so a
// relay fan-out and a heartbeat tick never interleave partial frames.
func (c *Conn) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(frame)
	return err
}

// Next blocks for the next decoded message on this connection, transparently
// skipping oversize or malformed lines (spec §4.3). It is only ever called
// from the single goroutine the Adapter dedicates to this connection —
// message processing within a connection is strictly FIFO (spec §5).
// frameLen is the byte length of the line the message was decoded from,
// used for the bytesReceived diagnostic without re-marshaling.
func (c *Conn) Next() (msg wire.Message, frameLen int, err error) {
	for {
		m, ok, err := c.reader.Next()
		if err != nil {
			return wire.Message{}, 0, err
		}
		if !ok {
			continue
		}
		return m, c.reader.LastFrameLen(), nil
	}
}

// RemoteAddr returns the remote endpoint string used for the per-IP
// connection limiter and for the peer cache.
func (c *Conn) RemoteAddr() string { return c.remote }

// Close closes the underlying stream. Idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rw.Close()
}
