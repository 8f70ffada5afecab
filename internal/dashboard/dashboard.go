// Package dashboard implements the HTTP contract of spec §4.8: a
// server-rendered landing page, a server-sent-events stream, a read-only
// JSON snapshot endpoint, and the location opt-in toggle. The
// register/broadcast/unregister client lifecycle is grounded on
// go-ethereum's dashboard.go (dashboard/dashboard.go in the retrieved
// pack): a mutex-guarded map of live client connections, each with its own
// buffered outbound channel drained by a per-client goroutine, and a
// sendToAll that drops (rather than blocks on) a saturated client. That
// file pushes over websocket; spec §4.8 asks for SSE instead, so the wire
// framing differs, but the fan-out shape is the same. Per-subscriber ids
// use google/uuid — a real id library the retrieved pack pulls in directly
// (dep2p-go-dep2p/go.mod) — in place of the teacher's atomic package
// counter.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lklynet/swarmcensus/internal/diagnostics"
	"github.com/lklynet/swarmcensus/internal/registry"
	"github.com/lklynet/swarmcensus/internal/telemetry"
)

// BroadcastThrottle is the minimum interval between non-forced pushes to
// SSE subscribers (spec §4.8, property P9).
const BroadcastThrottle = 1000 * time.Millisecond

// Location mirrors registry.Location for the opt-in endpoint's response.
type Location = registry.Location

// Snapshot is the JSON body every dashboard surface serves, matching spec
// §4.8's `{count, direct, id, diagnostics, locations, optedIn}` shape.
type Snapshot struct {
	Count       int                  `json:"count"`
	Direct      int                  `json:"direct"`
	ID          string               `json:"id"`
	Diagnostics diagnostics.Snapshot `json:"diagnostics"`
	Locations   []LocationEntry      `json:"locations"`
	OptedIn     bool                 `json:"optedIn"`
}

// LocationEntry pairs a peer id with its optional geolocation, for the
// dashboard's map view.
type LocationEntry struct {
	ID  string   `json:"id"`
	Loc Location `json:"loc"`
}

type client struct {
	id uuid.UUID
	ch chan []byte
}

// Dashboard is the SSE broadcaster and read-only JSON API of spec §4.8.
type Dashboard struct {
	reg    *registry.Registry
	diag   *diagnostics.Diagnostics
	selfID string

	mu            sync.Mutex
	clients       map[uuid.UUID]*client
	lastBroadcast time.Time

	optedIn atomic.Bool
	self    struct {
		mu  sync.Mutex
		loc *Location
	}

	lastDiag atomic.Pointer[diagnostics.Snapshot]
}

// New constructs a Dashboard bound to reg and diag. selfID is included in
// every snapshot as the "id" field; locationOptIn seeds the initial
// LOCATION_OPTIN environment default.
func New(reg *registry.Registry, diag *diagnostics.Diagnostics, selfID string, locationOptIn bool) *Dashboard {
	d := &Dashboard{
		reg:     reg,
		diag:    diag,
		selfID:  selfID,
		clients: make(map[uuid.UUID]*client),
	}
	d.optedIn.Store(locationOptIn)
	return d
}

// SetWindowedDiagnostics installs the most recently completed diagnostics
// window (spec §4.7's 10s reset cadence), read by every snapshot until the
// next window completes. Called from the Diagnostics.RunWindowLoop callback
// wired up at startup.
func (d *Dashboard) SetWindowedDiagnostics(s diagnostics.Snapshot) {
	d.lastDiag.Store(&s)
}

// Snapshot builds the current dashboard payload from live registry and
// diagnostics state.
func (d *Dashboard) Snapshot() Snapshot {
	peers := d.reg.Snapshot()
	locs := make([]LocationEntry, 0, len(peers))
	for _, p := range peers {
		if p.Loc != nil {
			locs = append(locs, LocationEntry{ID: p.ID, Loc: *p.Loc})
		}
	}
	diagSnap := diagnostics.Snapshot{}
	if p := d.lastDiag.Load(); p != nil {
		diagSnap = *p
	}
	return Snapshot{
		Count:       d.reg.Size(),
		Direct:      d.reg.DirectCount(),
		ID:          d.selfID,
		Diagnostics: diagSnap,
		Locations:   locs,
		OptedIn:     d.optedIn.Load(),
	}
}

// Broadcast pushes the current snapshot to every SSE subscriber, throttled
// to at most one push per BroadcastThrottle unless force is true (spec
// §4.8, property P9). Registry mutations (new peer, eviction, LEAVE) call
// this with force=false via the Gossip Engine's dirty callback; the
// location opt-in endpoint calls it with force=true.
func (d *Dashboard) Broadcast(force bool) {
	d.mu.Lock()
	now := time.Now()
	if !force && now.Sub(d.lastBroadcast) < BroadcastThrottle {
		d.mu.Unlock()
		return
	}
	d.lastBroadcast = now
	targets := make([]*client, 0, len(d.clients))
	for _, c := range d.clients {
		targets = append(targets, c)
	}
	d.mu.Unlock()

	body, err := json.Marshal(d.Snapshot())
	if err != nil {
		telemetry.Logf("dashboard: marshal snapshot failed: %v", err)
		return
	}
	frame := formatSSE(body)
	for _, c := range targets {
		select {
		case c.ch <- frame:
		default:
			// Slow subscriber: drop the push rather than block the
			// broadcaster, mirroring the teacher's sendToAll.
		}
	}
}

func formatSSE(body []byte) []byte {
	return append(append([]byte("data: "), body...), '\n', '\n')
}

// ServeIndex renders the landing page with the initial count server-side
// (spec §4.8 "GET /").
func (d *Dashboard) ServeIndex(w http.ResponseWriter, r *http.Request) {
	snap := d.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexTemplate, snap.Count, snap.Direct, snap.ID)
}

const indexTemplate = `<!doctype html>
<html>
<head><title>swarmcensus</title></head>
<body>
<h1>Active Nodes: <span id="count">%d</span></h1>
<p>Direct connections: %d</p>
<p>This node: %s</p>
<script>
var es = new EventSource("/events");
es.onmessage = function(e) {
  var data = JSON.parse(e.data);
  document.getElementById("count").textContent = data.count;
};
</script>
</body>
</html>`

// ServeEvents streams Snapshot pushes over server-sent events (spec §4.8
// "GET /events"). New subscribers receive an immediate snapshot.
func (d *Dashboard) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := &client{id: uuid.New(), ch: make(chan []byte, 8)}
	d.mu.Lock()
	d.clients[c.id] = c
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.clients, c.id)
		d.mu.Unlock()
	}()

	body, err := json.Marshal(d.Snapshot())
	if err == nil {
		w.Write(formatSSE(body))
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeStats returns the current snapshot without streaming (spec §4.8
// "GET /api/stats").
func (d *Dashboard) ServeStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Snapshot())
}

type locationOptInResponse struct {
	Success     bool      `json:"success"`
	Location    *Location `json:"location"`
	HasLocation bool      `json:"hasLocation"`
}

// ServeLocationOptIn enables location sharing for the local node, triggers
// a forced broadcast, and returns the standard opt-in response (spec §4.8
// "POST /api/location-optin").
func (d *Dashboard) ServeLocationOptIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
		City string  `json:"city"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	d.optedIn.Store(true)
	var loc *Location
	if body.Lat != 0 || body.Lon != 0 {
		loc = &Location{Lat: body.Lat, Lon: body.Lon, City: body.City}
		d.self.mu.Lock()
		d.self.loc = loc
		d.self.mu.Unlock()
	}
	d.Broadcast(true)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(locationOptInResponse{
		Success:     true,
		Location:    loc,
		HasLocation: loc != nil,
	})
}

// SelfLocation returns the local node's opted-in location, if any, for the
// Gossip Engine to attach to outbound heartbeats.
func (d *Dashboard) SelfLocation() *Location {
	if !d.optedIn.Load() {
		return nil
	}
	d.self.mu.Lock()
	defer d.self.mu.Unlock()
	return d.self.loc
}

// RegisterRoutes wires every endpoint of spec §4.8 onto mux.
func (d *Dashboard) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", d.ServeIndex)
	mux.HandleFunc("/events", d.ServeEvents)
	mux.HandleFunc("/api/stats", d.ServeStats)
	mux.HandleFunc("/api/location-optin", d.ServeLocationOptIn)
}
