package bootstrap

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCacheMissingFileIsEmptyNotError(t *testing.T) {
	peers, err := LoadCache(filepath.Join(t.TempDir(), "missing.json"), DefaultCacheMaxAge)
	if err != nil {
		t.Fatalf("expected no error for a missing cache file, got %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers, got %d", len(peers))
	}
}

func TestSaveAndLoadCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	peers := []CachedPeer{
		{IP: "1.2.3.4", Port: 9000, ID: "a", LastSeen: time.Now()},
		{IP: "5.6.7.8", Port: 9000, ID: "b", LastSeen: time.Now().Add(-time.Minute)},
	}
	if err := SaveCache(path, peers); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadCache(path, DefaultCacheMaxAge)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(loaded))
	}
}

func TestLoadCachePrunesOldEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	peers := []CachedPeer{
		{IP: "1.2.3.4", Port: 9000, ID: "fresh", LastSeen: time.Now()},
		{IP: "5.6.7.8", Port: 9000, ID: "ancient", LastSeen: time.Now().Add(-48 * time.Hour)},
	}
	if err := SaveCache(path, peers); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadCache(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "fresh" {
		t.Fatalf("expected only the fresh entry to survive pruning, got %+v", loaded)
	}
}

func TestSaveCacheCapsAtMaxEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	peers := make([]CachedPeer, 0, MaxCachedPeers+20)
	base := time.Now()
	for i := 0; i < MaxCachedPeers+20; i++ {
		peers = append(peers, CachedPeer{IP: "1.2.3.4", Port: 9000, ID: "p", LastSeen: base.Add(time.Duration(i) * time.Second)})
	}
	if err := SaveCache(path, peers); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadCache(path, DefaultCacheMaxAge)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != MaxCachedPeers {
		t.Fatalf("expected cache to cap at %d entries, got %d", MaxCachedPeers, len(loaded))
	}
}

func TestDialFirstReturnsFirstSuccessfulConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	peers := []CachedPeer{
		{IP: "192.0.2.1", Port: 1, LastSeen: time.Now()}, // unroutable, should fail fast-ish
		{IP: host, Port: port, LastSeen: time.Now()},
	}
	conn, hit, err := DialFirst(peers, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer conn.Close()
	if hit.IP != host {
		t.Fatalf("expected the listening peer to win, got %+v", hit)
	}
}
