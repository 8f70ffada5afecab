package bootstrap

import (
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lklynet/swarmcensus/internal/identity"
	"github.com/lklynet/swarmcensus/internal/wire"
)

// serveOneHandshake accepts a single connection, reads one HEARTBEAT, and
// replies with its own — mimicking the handshake probe's expected peer
// behavior (spec §4.5 "send one signed HEARTBEAT, expect a well-formed
// HEARTBEAT back").
func serveOneHandshake(t *testing.T, ln net.Listener, responder *identity.Identity) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := wire.NewReader(conn)
		if _, ok, err := r.Next(); err != nil || !ok {
			return
		}
		reply := wire.Message{
			Type:  wire.TypeHeartbeat,
			ID:    responder.ID,
			Seq:   0,
			Hops:  0,
			Nonce: responder.Nonce,
			Sig:   hex.EncodeToString(responder.Sign(0)),
		}
		frame, err := wire.Encode(reply)
		if err != nil {
			return
		}
		_, _ = conn.Write(frame)
	}()
}

func TestProbeOnceSucceedsAgainstValidPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	responder, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate responder: %v", err)
	}
	serveOneHandshake(t, ln, responder)

	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := ProbeOnce(ctx, host, port, self, 500*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	defer res.Conn.Close()
	if res.ID != responder.ID {
		t.Fatalf("expected probe result id to match responder, got %q", res.ID)
	}
}

func TestProbeOnceFailsAgainstClosedPort(t *testing.T) {
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Port 1 on loopback should refuse immediately in any sane test
	// environment.
	if _, err := ProbeOnce(ctx, "127.0.0.1", 1, self, 200*time.Millisecond, time.Second); err == nil {
		t.Fatalf("expected probe against a closed port to fail")
	}
}
