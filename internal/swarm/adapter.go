// Package swarm implements the Swarm Adapter of spec §4.6: a thin façade
// over a DHT substrate that in this implementation is a self-contained QUIC
// listener/dialer, standing in for "any rendezvous DHT with join(topic), an
// event stream of new duplex connections, and the set of currently open
// connections" (spec §1). It owns socket lifetime, attaches the message
// codec, and dispatches decoded frames into the Gossip Engine, exactly the
// wiring spec §4.6 describes; its concurrency shape (one goroutine reading
// per connection, a shared accept loop, ctx-driven shutdown) is grounded on
// the teacher's connMan/QUIC transport pairing (internal/network/quic.go,
// internal/daemon/connman.go in the retrieved pack).
package swarm

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/lklynet/swarmcensus/internal/gossip"
	"github.com/lklynet/swarmcensus/internal/registry"
	"github.com/lklynet/swarmcensus/internal/telemetry"
)

// defaultLogInterval throttles the rate-limited diagnostic log lines this
// adapter emits for per-IP limit rejections and write failures.
const defaultLogInterval = 2 * time.Second

// Options configures an Adapter.
type Options struct {
	ListenAddr    string
	MaxConnsPerIP int
}

// Adapter is the Swarm Adapter of spec §4.6. It implements gossip.Relay
// directly, so the Gossip Engine holds only this narrow interface rather
// than a back-reference into the transport (spec §9 "no back-references
// needed").
type Adapter struct {
	engine  *gossip.Engine
	reg     *registry.Registry
	limiter *ipLimiter

	listenAddr string

	mu        sync.Mutex
	conns     map[uint64]*Conn
	nextID    atomic.Uint64
	listener  *quic.Listener
	tcpListen net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs an Adapter wired to reg. reg is used only to clear pinned
// connections on close (spec §4.6); all other registry mutation happens
// inside the Gossip Engine. The Gossip Engine itself is supplied afterward
// via SetEngine: the engine's constructor needs the Adapter as its Relay,
// so the two can't be built in a single expression without a back-reference
// cycle (spec §9's explicit warning against callback cycles) — a setter
// breaks the cycle at the cost of a brief window, closed before Start is
// ever called, where the Adapter has no engine to dispatch into.
func New(reg *registry.Registry, opts Options) *Adapter {
	maxConns := opts.MaxConnsPerIP
	if maxConns <= 0 {
		maxConns = 8
	}
	return &Adapter{
		reg:        reg,
		limiter:    newIPLimiter(maxConns),
		listenAddr: opts.ListenAddr,
		conns:      make(map[uint64]*Conn),
		stopped:    make(chan struct{}),
	}
}

// SetEngine attaches the Gossip Engine that inbound frames are dispatched
// to. Must be called once, before Start or Dial/Adopt are used.
func (a *Adapter) SetEngine(engine *gossip.Engine) {
	a.engine = engine
}

// Start begins listening for inbound connections and blocks until ctx is
// cancelled or the QUIC listener fails. It is meant to be run in its own
// goroutine (spec §4.6 "start()").
//
// Two listeners share a.listenAddr: the QUIC listener that carries
// established gossip traffic (Dial, and any peer that reached us through
// Phase 3's DHT-substrate fallback), and a raw TCP listener that answers
// Bootstrap's own connection probes (cache.DialFirst's Phase 1 redial,
// scan.probe's Phase 2 sweep hit, and the BOOTSTRAP_PEER_IP debug override),
// all of which dial plain TCP rather than speak QUIC. Accepted TCP
// connections are handed to Adopt exactly like a Bootstrap-established one,
// so a probing peer and a probed peer converge on the same live connection
// set. The DHT substrate's join(topic) with topic =
// SHA-256("hypermind-lklynet-v1") (spec §6) has no separate identity here:
// this listen address is the rendezvous point QUIC/TCP stand in for.
func (a *Adapter) Start(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return fmt.Errorf("swarm: build tls config: %w", err)
	}
	ln, err := quic.ListenAddr(a.listenAddr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("swarm: listen %s: %w", a.listenAddr, err)
	}
	tcpLn, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("swarm: listen tcp %s: %w", a.listenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.tcpListen = tcpLn
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = tcpLn.Close()
	}()

	go a.acceptTCP(ctx, tcpLn)

	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			telemetry.Logf("swarm: accept error: %v", err)
			return err
		}
		go a.acceptStream(ctx, qconn)
	}
}

// acceptTCP runs the raw TCP accept loop alongside the QUIC listener, until
// ln is closed by Start's ctx.Done goroutine or by Shutdown.
func (a *Adapter) acceptTCP(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			telemetry.Logf("swarm: tcp accept error: %v", err)
			return
		}
		host := hostOf(conn.RemoteAddr().String())
		if !a.limiter.acquire(host) {
			telemetry.RateLimitedf("swarm:limit:"+host, defaultLogInterval, "swarm: rejecting tcp connection from %s, per-ip limit reached", host)
			_ = conn.Close()
			continue
		}
		a.Adopt(conn.RemoteAddr().String(), conn)
	}
}

func (a *Adapter) acceptStream(ctx context.Context, qconn *quic.Conn) {
	remote := qconn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remote)
	if host == "" {
		host = remote
	}
	if !a.limiter.acquire(host) {
		telemetry.RateLimitedf("swarm:limit:"+host, defaultLogInterval, "swarm: rejecting connection from %s, per-ip limit reached", host)
		_ = qconn.CloseWithError(0, "connection limit reached")
		return
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		a.limiter.release(host)
		return
	}
	conn := a.register(remote, stream)
	go a.engine.OnNewConnection(conn)
	a.readLoop(conn, host)
}

// Dial opens an outbound QUIC duplex connection to addr. No code path in
// this module calls it: the bootstrap coordinator in cmd/swarmcensus
// hands its TCP connections to Adopt instead. The returned Conn is already
// registered with the Adapter and will be relayed to.
func (a *Adapter) Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	qconn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("swarm: dial %s: %w", addr, err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return nil, fmt.Errorf("swarm: open stream to %s: %w", addr, err)
	}
	conn := a.register(qconn.RemoteAddr().String(), stream)
	go a.engine.OnNewConnection(conn)
	host, _, _ := net.SplitHostPort(conn.RemoteAddr())
	go a.readLoop(conn, host)
	return conn, nil
}

// Adopt wraps an already-established duplex byte stream (e.g. a TCP
// connection handed off by Bootstrap Phase 1's cache dial or Phase 2's scan
// hit) as a live, relayed gossip connection. This is the bridge between
// Bootstrap's own dial logic and the Adapter's connection set spec §4.5 and
// §4.6 both assume: Bootstrap only needs to establish and validate a
// connection, the Adapter then owns it going forward.
func (a *Adapter) Adopt(remote string, rw net.Conn) *Conn {
	conn := a.register(remote, rw)
	go a.engine.OnNewConnection(conn)
	go a.readLoop(conn, hostOf(remote))
	return conn
}

func hostOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func (a *Adapter) register(remote string, rw io.ReadWriteCloser) *Conn {
	id := a.nextID.Add(1)
	conn := newConn(id, remote, rw)
	a.mu.Lock()
	a.conns[id] = conn
	a.mu.Unlock()
	return conn
}

func (a *Adapter) unregister(conn *Conn, host string) {
	a.mu.Lock()
	delete(a.conns, conn.id)
	a.mu.Unlock()
	a.limiter.release(host)
	a.reg.UnpinConnection(conn)
	a.engine.OnConnectionClosed(conn)
}

func (a *Adapter) readLoop(conn *Conn, host string) {
	defer func() {
		_ = conn.Close()
		a.unregister(conn, host)
	}()
	for {
		msg, frameLen, err := conn.Next()
		if err != nil {
			return
		}
		a.engine.HandleInbound(conn, frameLen, msg)
	}
}

// Broadcast implements gossip.Relay: writes frame to every direct
// connection except except (spec §4.4 step 7 "split-horizon"). A write
// failure on one connection is logged and otherwise ignored — the sender
// will time out via liveness eviction (spec §4.4 "Failure semantics").
func (a *Adapter) Broadcast(frame []byte, except gossip.Conn) {
	a.mu.Lock()
	conns := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		if except != nil && gossip.Conn(c) == except {
			continue
		}
		if err := c.Write(frame); err != nil {
			telemetry.RateLimitedf("swarm:write:"+c.RemoteAddr(), defaultLogInterval, "swarm: write to %s failed: %v", c.RemoteAddr(), err)
		}
	}
}

// Connections returns a snapshot of currently open direct connections (spec
// §4.6 "connections()").
func (a *Adapter) Connections() []*Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown closes both listeners and every open connection.
func (a *Adapter) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopped)
		a.mu.Lock()
		ln := a.listener
		tcpLn := a.tcpListen
		conns := make([]*Conn, 0, len(a.conns))
		for _, c := range a.conns {
			conns = append(conns, c)
		}
		a.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
	})
}
