package bootstrap

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// DefaultCachePath is PEER_CACHE_PATH's default (spec §6).
const DefaultCachePath = "./peers.json"

// DefaultCacheMaxAge is PEER_CACHE_MAX_AGE's default (spec §4.5).
const DefaultCacheMaxAge = 24 * time.Hour

// MaxCachedPeers is the retention cap; cache writes keep only the most
// recent entries (spec §4.5).
const MaxCachedPeers = 100

// CachedPeer is one entry of the on-disk peer cache.
type CachedPeer struct {
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	ID       string    `json:"id"`
	LastSeen time.Time `json:"lastSeen"`
}

// cacheFile is the on-disk shape: a single versioned document, overwritten
// in full on every save — unlike the teacher's append-only JSONL member
// books, the spec's cache is a small bounded snapshot, not a growing log
// (spec §4.5).
type cacheFile struct {
	Version   int          `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Peers     []CachedPeer `json:"peers"`
}

const cacheVersion = 1

// LoadCache reads and prunes the peer cache at path, dropping entries
// older than maxAge. A missing file is not an error: it yields an empty
// cache (spec §4.5, §7 "bootstrap failures are not errors").
func LoadCache(path string, maxAge time.Duration) ([]CachedPeer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge)
	out := make([]CachedPeer, 0, len(cf.Peers))
	for _, p := range cf.Peers {
		if p.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveCache overwrites path in full with the MaxCachedPeers most recently
// seen entries from peers (spec §4.5).
func SaveCache(path string, peers []CachedPeer) error {
	sorted := append([]CachedPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastSeen.After(sorted[j].LastSeen) })
	if len(sorted) > MaxCachedPeers {
		sorted = sorted[:MaxCachedPeers]
	}
	cf := cacheFile{Version: cacheVersion, Timestamp: time.Now(), Peers: sorted}
	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil && filepath.Dir(path) != "." {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DialFirst attempts a TCP connect to each of peers in order with the
// given per-attempt timeout, returning the first connection that
// succeeds. Callers are responsible for the handshake-level validation
// (spec §4.5 Phase 1).
func DialFirst(peers []CachedPeer, timeout time.Duration) (net.Conn, *CachedPeer, error) {
	var lastErr error
	for i := range peers {
		p := peers[i]
		addr := net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, &p, nil
	}
	return nil, nil, lastErr
}
