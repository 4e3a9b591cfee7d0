// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultUpstreamURL is the live model service's bidirectional endpoint.
const DefaultUpstreamURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type Config struct {
	Addr string

	// UpstreamURL is the model service WebSocket endpoint; APIKey is the
	// credential the relay appends upstream and keeps off the client.
	UpstreamURL string
	APIKey      string

	// HandshakeTimeout bounds how long a client may take to send its setup
	// frame; MaxFrameBytes bounds individual frames on both legs.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("PARLEY_RELAY_ADDR", ":8080"),
		UpstreamURL:         envOr("PARLEY_RELAY_UPSTREAM_URL", DefaultUpstreamURL),
		APIKey:              strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		HandshakeTimeout:    envDurationOr("PARLEY_RELAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		WriteTimeout:        envDurationOr("PARLEY_RELAY_WRITE_TIMEOUT", 10*time.Second),
		MaxFrameBytes:       envInt64Or("PARLEY_RELAY_MAX_FRAME_BYTES", 4<<20), // 4 MiB
		ReadHeaderTimeout:   envDurationOr("PARLEY_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("PARLEY_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return Config{}, fmt.Errorf("PARLEY_RELAY_UPSTREAM_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Config{}, fmt.Errorf("PARLEY_RELAY_UPSTREAM_URL must use ws or wss, got %q", u.Scheme)
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("PARLEY_RELAY_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("PARLEY_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
