package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lklynet/swarmcensus/internal/identity"
	"github.com/lklynet/swarmcensus/internal/security"
	"github.com/lklynet/swarmcensus/internal/telemetry"
	"github.com/lklynet/swarmcensus/internal/wire"
)

const (
	// DefaultScanConcurrency is SCAN_CONCURRENCY's default (spec §4.5).
	DefaultScanConcurrency = 50
	// DefaultScanConnectTimeout is SCAN_CONNECTION_TIMEOUT's default.
	DefaultScanConnectTimeout = 300 * time.Millisecond
	// handshakeReadTimeout bounds the wait for a probe's echoed HEARTBEAT.
	handshakeReadTimeout = 1 * time.Second
)

// ScanResult is a validated handshake hit from the IPv4 sweep.
type ScanResult struct {
	Conn net.Conn
	Addr string
	ID   string
}

// ScanOptions configures Sweep.
type ScanOptions struct {
	Port             int
	Concurrency      int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Sweep drives the bounded worker pool of spec §4.5 Phase 2: up to
// Concurrency concurrent TCP connects pulled from the Feistel sweeper,
// each followed by a protocol-level handshake probe. It returns on the
// first validated hit or when ctx is cancelled (deadline or caller
// abort), and cancels every outstanding probe in either case — the
// "cancel outstanding probes on first success or deadline" requirement of
// spec §5.
func Sweep(ctx context.Context, sweeper *Sweeper, self *identity.Identity, opts ScanOptions) (*ScanResult, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultScanConcurrency
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultScanConnectTimeout
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = handshakeReadTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addrs := make(chan string, concurrency)
	results := make(chan *ScanResult, 1)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range addrs {
				res := probe(ctx, addr, connectTimeout, handshakeTimeout, self)
				if res != nil {
					select {
					case results <- res:
						cancel()
					default:
						res.Conn.Close()
					}
					return
				}
			}
		}()
	}

	go func() {
		defer close(addrs)
		for {
			ip, ok := sweeper.NextRoutable()
			if !ok {
				return
			}
			addr := net.JoinHostPort(net.IP(ip[:]).String(), strconv.Itoa(opts.Port))
			select {
			case addrs <- addr:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case res := <-results:
		return res, nil
	case <-done:
	case <-ctx.Done():
	}
	// A hit's send on results always completes before the cancel() call
	// that follows it, and that cancel is what closed ctx.Done (or let
	// the dispatcher drain and close done); either way, if a result
	// exists it is already sitting in the buffer by the time we get here.
	select {
	case res := <-results:
		return res, nil
	default:
		return nil, ctx.Err()
	}
}

// probe attempts a single TCP connect plus handshake against addr,
// returning nil on any failure (connect, write, read, or validation) —
// bootstrap failures are not errors, they just continue the sweep (spec
// §7).
func probe(ctx context.Context, addr string, connectTimeout, handshakeTimeout time.Duration, self *identity.Identity) *ScanResult {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil
	}

	hello := wire.Message{
		Type:  wire.TypeHeartbeat,
		ID:    self.ID,
		Seq:   0,
		Hops:  0,
		Nonce: self.Nonce,
		Sig:   hex.EncodeToString(self.Sign(0)),
	}
	frame, err := wire.Encode(hello)
	if err != nil {
		conn.Close()
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(connectTimeout)); err != nil {
		conn.Close()
		return nil
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil
	}
	reader := wire.NewReader(conn)
	reply, ok, err := reader.Next()
	if err != nil || !ok {
		conn.Close()
		return nil
	}
	if reply.Type != wire.TypeHeartbeat {
		conn.Close()
		return nil
	}
	if err := reply.Validate(); err != nil {
		conn.Close()
		return nil
	}
	if !security.VerifyPoW([]byte(reply.ID), reply.Nonce) {
		conn.Close()
		return nil
	}
	spki, err := hex.DecodeString(reply.ID)
	if err != nil {
		conn.Close()
		return nil
	}
	sig, err := hex.DecodeString(reply.Sig)
	if err != nil {
		conn.Close()
		return nil
	}
	if !security.VerifySignature(spki, reply.Seq, sig) {
		conn.Close()
		return nil
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return &ScanResult{Conn: conn, Addr: addr, ID: reply.ID}
}

// ProbeOnce performs a single handshake probe against ip:port, used by
// the BOOTSTRAP_PEER_IP debug override to skip Phases 1-2 entirely (spec
// §4.5 "Debug override").
func ProbeOnce(ctx context.Context, ip string, port int, self *identity.Identity, connectTimeout, handshakeTimeout time.Duration) (*ScanResult, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	res := probe(ctx, addr, connectTimeout, handshakeTimeout, self)
	if res == nil {
		return nil, fmt.Errorf("bootstrap: handshake probe against %s failed", addr)
	}
	telemetry.Logf("bootstrap: debug override probe succeeded addr=%s id=%s", addr, res.ID)
	return res, nil
}
