package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got: %v", err)
	}
}

func TestDefaultConfig_Heartbeat(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Signal.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected heartbeat interval 5s, got %s", cfg.Signal.HeartbeatInterval)
	}
	if cfg.ReapAfter() != 10*time.Second {
		t.Fatalf("expected reap after 10s, got %s", cfg.ReapAfter())
	}
	if cfg.WebRTC.GreetingPayload != "hello" {
		t.Fatalf("expected greeting payload hello, got %q", cfg.WebRTC.GreetingPayload)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "heartbeat interval must be > 0",
			mutate: func(c *Config) { c.Signal.HeartbeatInterval = 0 },
		},
		{
			name:   "reap factor must be >= 2",
			mutate: func(c *Config) { c.Signal.ReapFactor = 1 },
		},
		{
			name:   "send queue must be > 0",
			mutate: func(c *Config) { c.Signal.SendQueueSize = 0 },
		},
		{
			name:   "signal path must be absolute",
			mutate: func(c *Config) { c.Signal.Path = "ws" },
		},
		{
			name:   "server url must be a websocket url",
			mutate: func(c *Config) { c.Participant.ServerURL = "http://localhost:3000/ws" },
		},
		{
			name:   "latitude out of range",
			mutate: func(c *Config) { c.Participant.Latitude = 91 },
		},
		{
			name:   "longitude out of range",
			mutate: func(c *Config) { c.Participant.Longitude = -181 },
		},
		{
			name:   "ice server without urls",
			mutate: func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} },
		},
		{
			name:   "empty greeting payload",
			mutate: func(c *Config) { c.WebRTC.GreetingPayload = "" },
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
		},
		{
			name:   "redis batch size must be > 0",
			mutate: func(c *Config) { c.Redis.BatchSize = 0 },
		},
		{
			name:   "tracing sample rate above 1",
			mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 },
		},
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "reconnect max delay below initial delay",
			mutate: func(c *Config) { c.Participant.Reconnect.MaxDelay = time.Millisecond },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
signal:
  heartbeat_interval: 2s
participant:
  name: lighthouse
  latitude: 51.5
  longitude: -0.12
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RENDEZVOUS_NAME", "beacon")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Signal.HeartbeatInterval != 2*time.Second {
		t.Errorf("expected heartbeat 2s, got %s", cfg.Signal.HeartbeatInterval)
	}
	if cfg.Participant.Name != "beacon" {
		t.Errorf("expected env override name beacon, got %q", cfg.Participant.Name)
	}
	if cfg.Participant.Latitude != 51.5 {
		t.Errorf("expected latitude 51.5, got %f", cfg.Participant.Latitude)
	}
	if cfg.Signal.SendQueueSize != DefaultConfig().Signal.SendQueueSize {
		t.Errorf("expected untouched fields to keep defaults")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":3000" {
		t.Errorf("expected default address, got %q", cfg.Server.Address)
	}
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("signal: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
