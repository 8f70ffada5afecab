// Package gossip implements the protocol state machine: heartbeat
// emission, the inbound filter chain, relay, and graceful leave. It is
// fresh code — the teacher has nothing shaped quite like a flood-fill
// gossip engine — but its concurrency discipline (a ticker loop selecting
// on ctx.Done(), intervals set through Options, atomic counters in the
// injected Diagnostics value) is
// grounded on the teacher's connection manager (internal/daemon/connman.go
// in the retrieved pack), and its "no back-references" wiring follows the
// explicit guidance to hold a narrow Relay interface rather than a
// callback cycle.
package gossip

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/lklynet/swarmcensus/internal/diagnostics"
	"github.com/lklynet/swarmcensus/internal/identity"
	"github.com/lklynet/swarmcensus/internal/registry"
	"github.com/lklynet/swarmcensus/internal/security"
	"github.com/lklynet/swarmcensus/internal/telemetry"
	"github.com/lklynet/swarmcensus/internal/wire"
)

const (
	// DefaultHeartbeatInterval is the self-heartbeat tick (spec §4.4).
	DefaultHeartbeatInterval = 5 * time.Second
	// MaxRelayHops is authoritative per the spec's design notes: the
	// extracted constant, not the earlier monolith's hops<3 branch.
	MaxRelayHops = 2
	// ShutdownGrace is the pause after emitting LEAVE before the process
	// exits, to give the last write a chance to flush (spec §4.4).
	ShutdownGrace = 500 * time.Millisecond
)

// Conn is the minimal surface the Gossip Engine needs from a direct
// connection: write a pre-framed message, and a stable identity usable as
// a map key for split-horizon exclusion.
type Conn interface {
	Write(frame []byte) error
}

// Relay is the narrow interface the swarm adapter implements, replacing
// the cyclic swarm->handler->relay->swarm wiring the design notes flag as
// the wrong shape.
type Relay interface {
	// Broadcast writes frame to every direct connection except except
	// (nil means no exclusion).
	Broadcast(frame []byte, except Conn)
}

// Options configures an Engine. Zero values fall back to spec defaults.
type Options struct {
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	MaxPeers          int
}

// Engine is the gossip state machine of spec §4.4. It owns no sockets: the
// swarm adapter calls into it, and it calls back out through Relay only.
type Engine struct {
	self       *identity.Identity
	reg        *registry.Registry
	diag       *diagnostics.Diagnostics
	relay      Relay
	heartbeat  time.Duration
	peerTO     time.Duration
	// seq is read by OnNewConnection from per-connection goroutines and
	// written by tick() from the Run goroutine (spec §5's shared-state
	// guard requirement), hence atomic rather than a plain uint64.
	seq        atomic.Uint64
	onDirtyFn  func()
	locFn      func() *registry.Location
}

// New constructs an Engine. reg must already have SetSelf called.
func New(self *identity.Identity, reg *registry.Registry, diag *diagnostics.Diagnostics, relay Relay, opts Options) *Engine {
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	to := opts.PeerTimeout
	if to <= 0 {
		to = registry.DefaultPeerTimeout
	}
	return &Engine{self: self, reg: reg, diag: diag, relay: relay, heartbeat: hb, peerTO: to}
}

// OnDashboardDirty registers a callback invoked whenever the live set
// changes in a way the dashboard should reflect (new peer, eviction,
// leave). Optional; nil is a valid no-op.
func (e *Engine) OnDashboardDirty(fn func()) {
	e.onDirtyFn = fn
}

func (e *Engine) notifyDirty() {
	if e.onDirtyFn != nil {
		e.onDirtyFn()
	}
}

// OnLocation registers the source of the local node's opted-in location
// (dashboard.Dashboard.SelfLocation), attached to every outbound heartbeat
// this engine emits. Optional; nil is a valid no-op, and the field never
// contributes a Loc.
func (e *Engine) OnLocation(fn func() *registry.Location) {
	e.locFn = fn
}

func (e *Engine) selfLoc() *wire.Loc {
	if e.locFn == nil {
		return nil
	}
	loc := e.locFn()
	if loc == nil {
		return nil
	}
	return &wire.Loc{Lat: loc.Lat, Lon: loc.Lon, City: loc.City}
}

// Run drives the heartbeat tick until ctx is cancelled, then emits a
// best-effort LEAVE and waits ShutdownGrace before returning (spec §4.4
// "Graceful shutdown").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.broadcastLeave()
			time.Sleep(ShutdownGrace)
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	seq := e.seq.Add(1)
	e.reg.TouchSelf(seq)
	sig := e.self.Sign(seq)
	msg := wire.Message{Type: wire.TypeHeartbeat, ID: e.self.ID, Seq: seq, Hops: 0, Nonce: e.self.Nonce, Sig: hex.EncodeToString(sig), Loc: e.selfLoc()}
	frame, err := wire.Encode(msg)
	if err != nil {
		telemetry.Logf("gossip: failed to encode self heartbeat: %v", err)
		return
	}
	e.relay.Broadcast(frame, nil)
	e.diag.AddBytesRelayed(len(frame))

	removed := e.reg.EvictStale(time.Now(), e.peerTO)
	if removed > 0 {
		e.notifyDirty()
	}
}

func (e *Engine) broadcastLeave() {
	msg := wire.Message{Type: wire.TypeLeave, ID: e.self.ID, Hops: 0}
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	e.relay.Broadcast(frame, nil)
}

// OnNewConnection emits an immediate hello HEARTBEAT at the current seq,
// minimizing convergence latency for the just-joined peer (spec §4.4).
func (e *Engine) OnNewConnection(conn Conn) {
	seq := e.seq.Load()
	sig := e.self.Sign(seq)
	msg := wire.Message{Type: wire.TypeHeartbeat, ID: e.self.ID, Seq: seq, Hops: 0, Nonce: e.self.Nonce, Sig: hex.EncodeToString(sig), Loc: e.selfLoc()}
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	_ = conn.Write(frame)
}

// OnConnectionClosed clears any peerId pinned to conn (spec §4.4, §4.6).
func (e *Engine) OnConnectionClosed(conn Conn) {
	e.reg.UnpinConnection(conn)
}

// HandleInbound applies the ordered filter chain of spec §4.4 to a decoded
// message arriving on conn, and relays it onward when admitted. frameLen is
// the byte length of the wire line msg was decoded from, for the
// bytesReceived diagnostic.
func (e *Engine) HandleInbound(conn Conn, frameLen int, msg wire.Message) {
	e.diag.AddBytesReceived(frameLen)

	if err := msg.Validate(); err != nil {
		e.diag.IncOversizeOrMalformed()
		return
	}

	switch msg.Type {
	case wire.TypeHeartbeat:
		e.diag.IncHeartbeatReceived()
		e.handleHeartbeat(conn, msg)
	case wire.TypeLeave:
		e.handleLeave(conn, msg)
	}
}

func (e *Engine) handleHeartbeat(conn Conn, msg wire.Message) {
	if !security.VerifyPoW([]byte(msg.ID), msg.Nonce) {
		e.diag.IncInvalidPoW()
		return
	}

	// The sequence check, signature verification, and admit for msg.ID all
	// happen inside AdmitIfNewer's single critical section (spec §5, §9):
	// verify only runs once seq has already cleared the duplicate and
	// capacity gates, and no other goroutine can interleave a conflicting
	// update for the same id between the gates and the write.
	verify := func() (ed25519.PublicKey, bool) {
		sigBytes, err := hex.DecodeString(msg.Sig)
		if err != nil {
			return nil, false
		}
		spki, err := hex.DecodeString(msg.ID)
		if err != nil {
			return nil, false
		}
		if !security.VerifySignature(spki, msg.Seq, sigBytes) {
			return nil, false
		}
		pub, ok := security.ParseEd25519SPKI(spki)
		if !ok {
			return nil, false
		}
		return ed25519.PublicKey(pub), true
	}

	var loc *registry.Location
	if msg.Loc != nil {
		loc = &registry.Location{Lat: msg.Loc.Lat, Lon: msg.Loc.Lon, City: msg.Loc.City}
	}

	verdict, wasNew := e.reg.AdmitIfNewer(msg.ID, msg.Seq, verify, loc)
	switch verdict {
	case registry.VerdictDuplicate:
		e.diag.IncDuplicateSeq()
		return
	case registry.VerdictAtCapacity:
		return
	case registry.VerdictVerifyFailed:
		e.diag.IncInvalidSig()
		return
	}
	if wasNew {
		e.diag.IncNewPeerAdded()
		e.notifyDirty()
	}
	if msg.Hops == 0 {
		e.reg.PinConnection(msg.ID, conn)
	}

	if msg.Hops < MaxRelayHops {
		relayed := msg
		relayed.Hops++
		frame, err := wire.Encode(relayed)
		if err == nil {
			e.relay.Broadcast(frame, conn)
			e.diag.IncHeartbeatRelayed()
			e.diag.AddBytesRelayed(len(frame))
		}
	}
}

func (e *Engine) handleLeave(conn Conn, msg wire.Message) {
	e.diag.IncLeaveMessage()
	if _, ok := e.reg.Get(msg.ID); !ok {
		return
	}
	e.reg.Remove(msg.ID)
	e.notifyDirty()

	if msg.Hops < MaxRelayHops {
		relayed := msg
		relayed.Hops++
		frame, err := wire.Encode(relayed)
		if err == nil {
			e.relay.Broadcast(frame, conn)
		}
	}
}
