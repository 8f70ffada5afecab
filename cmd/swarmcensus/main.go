// cmd/swarmcensus starts a single overlay node: it loads or mints an
// identity, wires the registry, gossip engine, swarm adapter, and
// dashboard together, drives the three-phase bootstrap coordinator once at
// startup, and serves the dashboard HTTP contract until an interrupt asks
// it to leave gracefully.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lklynet/swarmcensus/internal/bootstrap"
	"github.com/lklynet/swarmcensus/internal/config"
	"github.com/lklynet/swarmcensus/internal/dashboard"
	"github.com/lklynet/swarmcensus/internal/diagnostics"
	"github.com/lklynet/swarmcensus/internal/gossip"
	"github.com/lklynet/swarmcensus/internal/identity"
	"github.com/lklynet/swarmcensus/internal/pprofutil"
	"github.com/lklynet/swarmcensus/internal/registry"
	"github.com/lklynet/swarmcensus/internal/swarm"
	"github.com/lklynet/swarmcensus/internal/telemetry"
)

func main() {
	os.Exit(run())
}

// run wires the daemon together and blocks until shutdown. It returns a
// process exit code rather than calling os.Exit directly, so defers still
// run.
func run() int {
	cfg := config.Load()

	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		telemetry.Logf("swarmcensus: pprof: %v", err)
	}

	self, err := identity.LoadOrGenerate(cfg.DataDir, !cfg.Ephemeral)
	if err != nil {
		telemetry.Logf("swarmcensus: identity: %v", err)
		return 1
	}
	telemetry.Logf("swarmcensus: node id %s", self.ID)

	reg := registry.New(cfg.MaxPeers)
	reg.SetSelf(self.ID, self.PublicKey)

	diag := diagnostics.New()
	adapter := swarm.New(reg, swarm.Options{ListenAddr: cfg.ListenAddr})
	engine := gossip.New(self, reg, diag, adapter, gossip.Options{})
	adapter.SetEngine(engine)

	dash := dashboard.New(reg, diag, self.ID, cfg.LocationOptIn)
	engine.OnDashboardDirty(func() { dash.Broadcast(false) })
	engine.OnLocation(dash.SelfLocation)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopDiag := make(chan struct{})
	go diag.RunWindowLoop(stopDiag, dash.SetWindowedDiagnostics)
	defer close(stopDiag)

	panicGuard(ctx, "swarm-listener", func(ctx context.Context) {
		if err := adapter.Start(ctx); err != nil {
			telemetry.Logf("swarmcensus: swarm listener stopped: %v", err)
		}
	})

	panicGuard(ctx, "bootstrap", func(ctx context.Context) {
		runBootstrap(ctx, cfg, self, adapter)
	})

	panicGuard(ctx, "gossip-engine", func(ctx context.Context) {
		engine.Run(ctx)
	})

	mux := http.NewServeMux()
	dash.RegisterRoutes(mux)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpLn, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		telemetry.Logf("swarmcensus: dashboard listen %s: %v", httpSrv.Addr, err)
		return 1
	}
	panicGuard(ctx, "dashboard-http", func(ctx context.Context) {
		telemetry.Logf("swarmcensus: dashboard listening on %s", httpSrv.Addr)
		if err := httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			telemetry.Logf("swarmcensus: dashboard http server stopped: %v", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	telemetry.Logf("swarmcensus: shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// engine.Run broadcasts LEAVE as soon as ctx is cancelled; give it
	// ShutdownGrace to flush before the connections are closed.
	time.Sleep(gossip.ShutdownGrace + 100*time.Millisecond)
	adapter.Shutdown()
	return 0
}

// panicGuard runs fn in its own goroutine, recovering any panic and
// logging it rather than crashing the whole daemon — a single bad
// connection or malformed peer must never take the node down (spec §7).
func panicGuard(ctx context.Context, name string, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.Logf("swarmcensus: recovered panic in %s: %v", name, r)
			}
		}()
		fn(ctx)
	}()
}

// runBootstrap drives the three-phase discovery coordinator of spec §4.5
// once at startup: a debug override, then the peer cache, then the
// Feistel-permuted IPv4 sweep. Any established connection is handed to the
// swarm adapter via Adopt and becomes a live gossip peer; failure at every
// phase is not fatal, since the swarm listener still accepts inbound
// connections from other nodes running the same discovery sequence.
func runBootstrap(ctx context.Context, cfg config.Config, self *identity.Identity, adapter *swarm.Adapter) {
	if cfg.BootstrapPeerIP != "" {
		res, err := bootstrap.ProbeOnce(ctx, cfg.BootstrapPeerIP, cfg.ScanPort, self, bootstrap.DefaultScanConnectTimeout, cfg.BootstrapTimeout)
		if err != nil {
			telemetry.Logf("swarmcensus: bootstrap override probe failed: %v", err)
			return
		}
		adapter.Adopt(res.Addr, res.Conn)
		return
	}

	if cfg.PeerCacheEnabled {
		cached, err := bootstrap.LoadCache(cfg.PeerCachePath, cfg.PeerCacheMaxAge)
		if err != nil {
			telemetry.Logf("swarmcensus: peer cache load failed: %v", err)
		}
		if len(cached) > 0 {
			if conn, peer, err := bootstrap.DialFirst(cached, bootstrap.DefaultScanConnectTimeout); err == nil {
				telemetry.Logf("swarmcensus: bootstrapped from cache peer %s", peer.ID)
				adapter.Adopt(conn.RemoteAddr().String(), conn)
				return
			}
		}
	}

	if !cfg.EnableIPv4Scan {
		telemetry.Logf("swarmcensus: no cached peer reachable, IPv4 scan disabled; waiting for inbound connections")
		return
	}

	scanCtx, scanCancel := context.WithTimeout(ctx, cfg.BootstrapTimeout)
	defer scanCancel()
	seed := []byte(self.ID)
	sweeper := bootstrap.NewSweeper(seed)
	res, err := bootstrap.Sweep(scanCtx, sweeper, self, bootstrap.ScanOptions{Port: cfg.ScanPort})
	if err != nil {
		telemetry.Logf("swarmcensus: bootstrap sweep found no peer: %v", err)
		return
	}
	telemetry.Logf("swarmcensus: bootstrapped via ipv4 sweep, peer %s at %s", res.ID, res.Addr)
	adapter.Adopt(res.Addr, res.Conn)

	if cfg.PeerCacheEnabled {
		saveBootstrapHit(cfg, res)
	}
}

func saveBootstrapHit(cfg config.Config, res *bootstrap.ScanResult) {
	host, portStr, err := net.SplitHostPort(res.Addr)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	existing, _ := bootstrap.LoadCache(cfg.PeerCachePath, cfg.PeerCacheMaxAge)
	entry := bootstrap.CachedPeer{IP: host, Port: port, ID: res.ID, LastSeen: time.Now()}
	if err := bootstrap.SaveCache(cfg.PeerCachePath, append(existing, entry)); err != nil {
		telemetry.Logf("swarmcensus: peer cache save failed: %v", err)
	}
}
