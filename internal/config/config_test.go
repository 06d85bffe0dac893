package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: desk-1
stream:
  url: wss://feed.example.com/ws
  token: abc
  ping_interval: 10s
reconnect:
  base_delay: 500ms
  max_delay: 30s
  jitter: 0
journal:
  enabled: true
  database:
    host: localhost
    name: journal
    user: trader
    password: pw
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "desk-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "desk-1")
	}
	if cfg.Stream.URL != "wss://feed.example.com/ws" {
		t.Errorf("Stream.URL = %q, want %q", cfg.Stream.URL, "wss://feed.example.com/ws")
	}
	if cfg.Stream.PingInterval != 10*time.Second {
		t.Errorf("Stream.PingInterval = %v, want 10s", cfg.Stream.PingInterval)
	}
	if cfg.Reconnect.BaseDelay != 500*time.Millisecond {
		t.Errorf("Reconnect.BaseDelay = %v, want 500ms", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.Jitter == nil || *cfg.Reconnect.Jitter != 0 {
		t.Errorf("Reconnect.Jitter = %v, want explicit 0", cfg.Reconnect.Jitter)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Database.Name != "journal" {
		t.Errorf("Journal = %+v, want enabled with database journal", cfg.Journal)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_STREAM_TOKEN", "secret123")

	yaml := `
stream:
  url: wss://feed.example.com/ws
  token: ${TEST_STREAM_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Stream.Token != "secret123" {
		t.Errorf("Stream.Token = %q, want %q", cfg.Stream.Token, "secret123")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
stream:
  url: wss://feed.example.com/ws
  token: abc
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Instance.ID != DefaultInstanceID {
		t.Errorf("Instance.ID = %q, want default %q", cfg.Instance.ID, DefaultInstanceID)
	}
	if cfg.Stream.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("Stream.HandshakeTimeout = %v, want default %v", cfg.Stream.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if cfg.Reconnect.MaxDelay != DefaultReconnectMax {
		t.Errorf("Reconnect.MaxDelay = %v, want default %v", cfg.Reconnect.MaxDelay, DefaultReconnectMax)
	}
	if got := cfg.Reconnect.JitterFactor(); got != DefaultReconnectJitter {
		t.Errorf("Reconnect.JitterFactor() = %v, want default %v", got, DefaultReconnectJitter)
	}
	if cfg.Journal.Database.Port != DefaultDBPort {
		t.Errorf("Journal.Database.Port = %d, want default %d", cfg.Journal.Database.Port, DefaultDBPort)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, DefaultLogLevel)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, `
stream:
  url: https://feed.example.com
  token: abc
`)

	_, err := LoadAndValidate(path)
	if err == nil || !strings.Contains(err.Error(), "scheme must be ws or wss") {
		t.Errorf("LoadAndValidate() error = %v, want scheme error", err)
	}
}

func validConfig() Config {
	cfg := Config{
		Stream: StreamConfig{URL: "ws://localhost:8080/ws", Token: "abc"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	negative := -0.1

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Stream.URL = "" },
			wantErr: "stream.url is required",
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Stream.Token = "" },
			wantErr: "stream.token is required",
		},
		{
			name:    "ping timeout not above interval",
			mutate:  func(c *Config) { c.Stream.PingTimeout = c.Stream.PingInterval },
			wantErr: "stream.ping_timeout (15s) must exceed stream.ping_interval (15s)",
		},
		{
			name:    "max delay below base",
			mutate:  func(c *Config) { c.Reconnect.MaxDelay = 100 * time.Millisecond },
			wantErr: "reconnect.max_delay (100ms) cannot be less than base_delay (1s)",
		},
		{
			name:    "multiplier below one",
			mutate:  func(c *Config) { c.Reconnect.Multiplier = 0.5 },
			wantErr: "reconnect.multiplier must be >= 1, got 0.5",
		},
		{
			name:    "negative jitter",
			mutate:  func(c *Config) { c.Reconnect.Jitter = &negative },
			wantErr: "reconnect.jitter must be in [0, 1), got -0.1",
		},
		{
			name: "journal missing password",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 4}
			},
			wantErr: "journal.database.password is required",
		},
		{
			name: "journal min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "journal.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "disabled journal is not validated",
			mutate: func(c *Config) {
				c.Journal.Enabled = false
				c.Journal.Database = DBConfig{}
			},
			wantErr: "",
		},
		{
			name:    "bad metrics port",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		got, err := LogConfig{Level: tt.level}.SlogLevel()
		if (err != nil) != tt.wantErr {
			t.Errorf("SlogLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
