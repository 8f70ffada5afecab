// Package config reads the process's environment into a single explicit
// Config value at startup (spec §6 "Environment variables"). There is no
// global mutable configuration and no config-file library: the teacher and
// the rest of the retrieved pack's smaller daemons read configuration via
// os.Getenv plus typed accessor functions with defaults (see DESIGN.md for
// why no config library is introduced), and this package follows the same
// idiom, generalized into one struct passed by value through the daemon's
// constructors instead of scattered Getenv calls.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lklynet/swarmcensus/internal/bootstrap"
	"github.com/lklynet/swarmcensus/internal/registry"
)

// Config is every environment-driven knob spec §6 names, plus the handful
// this expansion's ambient stack needs (data directory, listen address).
type Config struct {
	Port int

	MaxPeers int

	EnableIPv4Scan   bool
	ScanPort         int
	BootstrapTimeout time.Duration

	PeerCacheEnabled bool
	PeerCachePath    string
	PeerCacheMaxAge  time.Duration

	BootstrapPeerIP string

	LocationOptIn bool

	ListenAddr string
	DataDir    string
	Ephemeral  bool
}

const (
	defaultPort       = 3000
	defaultScanPort   = 4237
	defaultListenAddr = "0.0.0.0:4237"
)

// Load reads Config from the process environment, applying spec §6's
// defaults for anything unset.
func Load() Config {
	return Config{
		Port:             envInt("PORT", defaultPort),
		MaxPeers:         envInt("MAX_PEERS", registry.DefaultMaxPeers),
		EnableIPv4Scan:   envBool("ENABLE_IPV4_SCAN", false),
		ScanPort:         envInt("SCAN_PORT", defaultScanPort),
		BootstrapTimeout: envMillis("BOOTSTRAP_TIMEOUT", 20*time.Second),
		PeerCacheEnabled: envBool("PEER_CACHE_ENABLED", true),
		PeerCachePath:    envString("PEER_CACHE_PATH", bootstrap.DefaultCachePath),
		PeerCacheMaxAge:  envSeconds("PEER_CACHE_MAX_AGE", bootstrap.DefaultCacheMaxAge),
		BootstrapPeerIP:  envString("BOOTSTRAP_PEER_IP", ""),
		LocationOptIn:    envBool("LOCATION_OPTIN", false),
		ListenAddr:       envString("SWARMCOUNT_LISTEN_ADDR", defaultListenAddr),
		DataDir:          envString("SWARMCOUNT_DATA_DIR", defaultDataDir()),
		Ephemeral:        envBool("SWARMCOUNT_EPHEMERAL", false),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".swarmcensus"
	}
	return home + "/.swarmcensus"
}

func envString(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
