package swarm

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/lklynet/swarmcensus/internal/diagnostics"
	"github.com/lklynet/swarmcensus/internal/gossip"
	"github.com/lklynet/swarmcensus/internal/identity"
	"github.com/lklynet/swarmcensus/internal/registry"
	"github.com/lklynet/swarmcensus/internal/wire"
)

func newTestAdapter(t *testing.T) (*Adapter, *gossip.Engine, *registry.Registry) {
	t.Helper()
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	reg := registry.New(10)
	reg.SetSelf(self.ID, self.PublicKey)
	diag := diagnostics.New()
	adapter := New(reg, Options{})
	engine := gossip.New(self, reg, diag, adapter, gossip.Options{})
	adapter.SetEngine(engine)
	return adapter, engine, reg
}

func TestAdoptDispatchesInboundToEngine(t *testing.T) {
	adapter, _, reg := newTestAdapter(t)
	client, server := net.Pipe()
	defer client.Close()

	adapter.Adopt(server.RemoteAddr().String(), server)

	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate peer: %v", err)
	}
	msg := wire.Message{
		Type:  wire.TypeHeartbeat,
		ID:    peer.ID,
		Seq:   1,
		Hops:  0,
		Nonce: peer.Nonce,
		Sig:   hex.EncodeToString(peer.Sign(1)),
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	go func() {
		_, _ = client.Write(frame)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := reg.Get(peer.ID); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer never admitted via adopted connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestStartAcceptsRawTCPAndAdopts drives a real TCP dial against Start's
// listener, the path Bootstrap's cache dial, IPv4 sweep probe, and
// BOOTSTRAP_PEER_IP override all take against a live node. It only exercises
// the TCP side (dialing QUIC in a unit test needs a real UDP round trip the
// other adapter tests avoid), asserting a plain net.Dial is adopted and
// dispatched into the engine exactly like Adopt's direct callers.
func TestStartAcceptsRawTCPAndAdopts(t *testing.T) {
	adapter, _, reg := newTestAdapter(t)
	adapter.listenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		go func() {
			for {
				adapter.mu.Lock()
				ln := adapter.tcpListen
				adapter.mu.Unlock()
				if ln != nil {
					close(started)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		_ = adapter.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never opened its tcp listener")
	}

	adapter.mu.Lock()
	addr := adapter.tcpListen.Addr().String()
	adapter.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial adapter tcp listener: %v", err)
	}
	defer conn.Close()

	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate peer: %v", err)
	}
	msg := wire.Message{
		Type:  wire.TypeHeartbeat,
		ID:    peer.ID,
		Seq:   1,
		Hops:  0,
		Nonce: peer.Nonce,
		Sig:   hex.EncodeToString(peer.Sign(1)),
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write hello frame: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := reg.Get(peer.ID); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer never admitted via a raw tcp dial into Start's listener")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBroadcastExcludesSourceConn(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)

	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()
	defer aClient.Close()
	defer bClient.Close()

	// register directly rather than through Adopt, to exercise Broadcast's
	// exclusion logic in isolation from the async new-connection hello.
	connA := adapter.register("a", aServer)
	adapter.register("b", bServer)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := bClient.Read(buf)
		read <- buf[:n]
	}()

	_ = aClient.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	excludedRead := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		_, err := aClient.Read(buf)
		excludedRead <- err
	}()

	frame := []byte(`{"type":"LEAVE","id":"x","hops":0}` + "\n")
	adapter.Broadcast(frame, gossip.Conn(connA))

	select {
	case got := <-read:
		if string(got) != string(frame) {
			t.Fatalf("unexpected frame on non-excluded connection: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the non-source connection to receive the broadcast")
	}

	if err := <-excludedRead; err == nil {
		t.Fatalf("expected the excluded source connection to receive nothing (read should time out)")
	}
}
