// Package registry holds the bounded, in-memory map of live peers: per-peer
// sequence numbers, liveness timestamps, cached verification keys, and
// optional geolocation. It is grounded on the teacher's single-mutex,
// container/list-ordered MemberStore (internal/peer/member.go in the
// retrieved pack), generalized from a pure membership set to a full peer
// record store with per-id admission state and no persistence — gossip
// membership is explicitly not durable across restarts.
package registry

import (
	"container/list"
	"crypto/ed25519"
	"sync"
	"time"
)

const (
	// DefaultMaxPeers matches the spec's effectively-unbounded default.
	DefaultMaxPeers = 1_000_000
	// DefaultPeerTimeout is the liveness threshold for stale eviction.
	DefaultPeerTimeout = 15 * time.Second
)

// Location is the optional geolocation attached to a peer record.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	City string  `json:"city,omitempty"`
}

// Peer is a single registry record.
type Peer struct {
	ID       string
	Seq      uint64
	LastSeen time.Time
	Key      ed25519.PublicKey
	Loc      *Location
	// pinnedConn, if non-nil, is the direct connection this peer is pinned
	// to (bound on its first 0-hop HEARTBEAT). Cleared on socket close.
	pinnedConn any
}

type entry struct {
	peer *Peer
}

// Registry is the bounded peer-set state machine (spec §3, §4.2). A single
// mutex guards every field; the teacher's member store uses the same
// discipline rather than per-entry locks, since the hot path is a handful of
// map operations, not a long critical section.
type Registry struct {
	mu         sync.Mutex
	maxPeers   int
	byID       map[string]*list.Element
	order      *list.List
	selfID     string
	selfSeq    uint64
	selfHasRec bool
}

// New creates a Registry with the given capacity (spec invariant I2). A
// non-positive maxPeers falls back to DefaultMaxPeers.
func New(maxPeers int) *Registry {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Registry{
		maxPeers: maxPeers,
		byID:     make(map[string]*list.Element),
		order:    list.New(),
	}
}

// SetSelf installs the local node's own record (invariant I3): always
// present, its Seq tracking the local sequence counter. Call once at
// startup before any gossip traffic is processed.
func (r *Registry) SetSelf(id string, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
	r.selfHasRec = true
	r.insertLocked(&Peer{ID: id, Seq: 0, LastSeen: time.Now(), Key: key})
}

// TouchSelf bumps the local record's Seq and LastSeen to follow the local
// sequence counter after a self-heartbeat emission.
func (r *Registry) TouchSelf(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfSeq = seq
	if el, ok := r.byID[r.selfID]; ok {
		p := el.Value.(*entry).peer
		p.Seq = seq
		p.LastSeen = time.Now()
		r.order.MoveToFront(el)
	}
}

// CanAccept reports whether id may be admitted: already present, or the
// registry has spare capacity. Must be consulted before signature
// verification so a flood of unknown ids cannot force unbounded CPU work
// (spec §4.2, §4.4 step 4).
func (r *Registry) CanAccept(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return true
	}
	return len(r.byID) < r.maxPeers
}

// StoredSeq returns the last accepted sequence number for id and whether a
// record exists at all. Callers use this to apply invariant I1 — any
// message with seq <= stored.seq is discarded before signature
// verification — without needing the full record.
func (r *Registry) StoredSeq(id string) (seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	return el.Value.(*entry).peer.Seq, true
}

// AddOrUpdate admits or refreshes a peer record. The caller must already
// have verified sequence monotonicity and the signature (spec §4.2
// precondition). Idempotent re-application of the same (id, seq) refreshes
// LastSeen only. Reports wasNew.
func (r *Registry) AddOrUpdate(id string, seq uint64, key ed25519.PublicKey, loc *Location) (wasNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addOrUpdateLocked(id, seq, key, loc)
}

func (r *Registry) addOrUpdateLocked(id string, seq uint64, key ed25519.PublicKey, loc *Location) (wasNew bool) {
	if el, ok := r.byID[id]; ok {
		p := el.Value.(*entry).peer
		p.Seq = seq
		p.LastSeen = time.Now()
		if key != nil {
			p.Key = key
		}
		if loc != nil {
			p.Loc = loc
		}
		r.order.MoveToFront(el)
		return false
	}
	r.insertLocked(&Peer{ID: id, Seq: seq, LastSeen: time.Now(), Key: key, Loc: loc})
	return true
}

// Verdict reports the outcome of AdmitIfNewer, distinguishing the three
// ways a heartbeat can fail to be admitted from the one way it succeeds.
type Verdict int

const (
	// VerdictAdmitted means seq passed monotonicity, capacity, and verify;
	// the record was inserted or updated.
	VerdictAdmitted Verdict = iota
	// VerdictDuplicate means seq <= the already-stored sequence for id.
	VerdictDuplicate
	// VerdictAtCapacity means id is unknown and the registry has no spare
	// capacity for it.
	VerdictAtCapacity
	// VerdictVerifyFailed means verify returned false.
	VerdictVerifyFailed
)

// AdmitIfNewer performs the entire check-sequence, verify-signature, admit
// sequence of spec §4.4 step 4/§5 as one atomic operation per id: the
// mutex is held across the duplicate check, the capacity check, verify, and
// the write, so no other goroutine can observe or act on a half-applied
// update for the same id (spec §9 "concurrent HEARTBEATs for the same id
// must be processed atomically"). verify is only invoked while still
// holding the lock and only once seq has cleared both the monotonicity and
// capacity gates, preserving the CPU-bounding order of spec §4.2/§4.4 step
// 4: expensive signature verification never runs for a message that would
// be discarded anyway. On success verify returns the sender's public key,
// which is written in the same critical section that admits the record.
func (r *Registry) AdmitIfNewer(id string, seq uint64, verify func() (ed25519.PublicKey, bool), loc *Location) (verdict Verdict, wasNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.byID[id]; ok {
		if seq <= el.Value.(*entry).peer.Seq {
			return VerdictDuplicate, false
		}
	} else if len(r.byID) >= r.maxPeers {
		return VerdictAtCapacity, false
	}

	key, ok := verify()
	if !ok {
		return VerdictVerifyFailed, false
	}

	wasNew = r.addOrUpdateLocked(id, seq, key, loc)
	return VerdictAdmitted, wasNew
}

func (r *Registry) insertLocked(p *Peer) {
	el := r.order.PushFront(&entry{peer: p})
	r.byID[p.ID] = el
}

// PinConnection binds a peer's record to a direct connection, recording
// that this id is our direct neighbor over that socket (spec §4.4 step 6,
// §4.6). conn is opaque to the registry; callers pass whatever identifies
// their connection (e.g. a *swarm.Conn pointer).
func (r *Registry) PinConnection(id string, conn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.byID[id]; ok {
		el.Value.(*entry).peer.pinnedConn = conn
	}
}

// UnpinConnection clears the pinned connection for every peer pinned to
// conn, without removing the peer record itself — liveness eviction still
// governs removal (spec §4.6: "on close it notifies the registry to clear
// any peerId pinned to that socket").
func (r *Registry) UnpinConnection(conn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for el := r.order.Front(); el != nil; el = el.Next() {
		p := el.Value.(*entry).peer
		if p.pinnedConn == conn {
			p.pinnedConn = nil
		}
	}
}

// Remove idempotently deletes a peer record (spec §4.2, used by LEAVE
// handling).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.byID[id]; ok {
		delete(r.byID, id)
		r.order.Remove(el)
	}
}

// Get returns a copy of the peer record for id, if present.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byID[id]
	if !ok {
		return Peer{}, false
	}
	p := *el.Value.(*entry).peer
	return p, true
}

// Size returns the current cardinality — the "Active Nodes" value exposed
// on the dashboard.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// DirectCount returns the number of peers currently pinned to a live
// connection — the dashboard's "direct" field.
func (r *Registry) DirectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for el := r.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).peer.pinnedConn != nil {
			n++
		}
	}
	return n
}

// EvictStale removes every record (other than the local self-record) whose
// LastSeen is older than timeout, and returns the count removed (spec
// §4.2). There is no LRU: capacity is admission-side only, so eviction is
// purely a liveness sweep.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		p := el.Value.(*entry).peer
		if p.ID != r.selfID && now.Sub(p.LastSeen) > timeout {
			delete(r.byID, p.ID)
			r.order.Remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Snapshot returns a copy of every peer record, most recently touched
// first. Used by the dashboard and by tests asserting on full state.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.byID))
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*entry).peer)
	}
	return out
}
