package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.UpstreamURL != DefaultUpstreamURL {
		t.Fatalf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.APIKey != "test-key" {
		t.Fatalf("APIKey = %q", cfg.APIKey)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
}

func TestLoadFromEnv_RequiresCredential(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("LoadFromEnv() error = %v, want missing credential error", err)
	}
}

func TestLoadFromEnv_RejectsNonWSUpstream(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("PARLEY_RELAY_UPSTREAM_URL", "https://example.com/ws")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Fatalf("LoadFromEnv() error = %v, want scheme error", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("PARLEY_RELAY_ADDR", ":9999")
	t.Setenv("PARLEY_RELAY_UPSTREAM_URL", "ws://localhost:7000/upstream")
	t.Setenv("PARLEY_RELAY_HANDSHAKE_TIMEOUT", "2s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9999" || cfg.UpstreamURL != "ws://localhost:7000/upstream" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 2s", cfg.HandshakeTimeout)
	}
}
