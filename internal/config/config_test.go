package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "MAX_PEERS", "ENABLE_IPV4_SCAN", "BOOTSTRAP_TIMEOUT", "PEER_CACHE_ENABLED")
	cfg := Load()
	if cfg.Port != defaultPort {
		t.Fatalf("expected default port %d, got %d", defaultPort, cfg.Port)
	}
	if cfg.EnableIPv4Scan {
		t.Fatalf("expected ENABLE_IPV4_SCAN to default to false")
	}
	if !cfg.PeerCacheEnabled {
		t.Fatalf("expected PEER_CACHE_ENABLED to default to true")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	clearEnv(t, "PORT", "ENABLE_IPV4_SCAN", "BOOTSTRAP_TIMEOUT")
	os.Setenv("PORT", "8080")
	os.Setenv("ENABLE_IPV4_SCAN", "true")
	os.Setenv("BOOTSTRAP_TIMEOUT", "5000")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Fatalf("expected PORT override, got %d", cfg.Port)
	}
	if !cfg.EnableIPv4Scan {
		t.Fatalf("expected ENABLE_IPV4_SCAN override to be true")
	}
	if cfg.BootstrapTimeout != 5*time.Second {
		t.Fatalf("expected BOOTSTRAP_TIMEOUT=5000ms to parse as 5s, got %v", cfg.BootstrapTimeout)
	}
}

func TestLoadIgnoresMalformedInts(t *testing.T) {
	clearEnv(t, "PORT")
	os.Setenv("PORT", "not-a-number")
	cfg := Load()
	if cfg.Port != defaultPort {
		t.Fatalf("expected malformed PORT to fall back to default, got %d", cfg.Port)
	}
}
