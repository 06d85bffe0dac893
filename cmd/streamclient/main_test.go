package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tradefeed/internal/config"
	"github.com/rickgao/tradefeed/internal/metrics"
	"github.com/rickgao/tradefeed/internal/stream"
	"github.com/rickgao/tradefeed/internal/subscription"
)

func testViews(t *testing.T, m *metrics.Metrics) *views {
	t.Helper()
	client := stream.New(stream.DefaultConfig(), nil, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctx)
	})

	return &views{
		client:    client,
		status:    subscription.NewConnectionStatus(client),
		positions: subscription.NewPositions(client),
		accounts:  subscription.NewAccounts(client),
		prices:    subscription.NewPrices(client),
		trades:    subscription.NewTradeNotifications(client, subscription.LogNotifier{}),
	}
}

func TestHandler_HealthDisconnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	v := testViews(t, metrics.New(reg))
	srv := httptest.NewServer(newHandler(v, reg, "/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	var body struct {
		Status     string                     `json:"status"`
		Components map[string]json.RawMessage `json:"components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", body.Status)
	}
	if !strings.Contains(string(body.Components["feed"]), "DISCONNECTED") {
		t.Errorf("feed = %s, want state DISCONNECTED", body.Components["feed"])
	}
	if _, ok := body.Components["journal"]; ok {
		t.Error("journal component present, want absent when disabled")
	}
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	v := testViews(t, metrics.New(reg))
	srv := httptest.NewServer(newHandler(v, reg, "/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "tradefeed_connection_state") {
		t.Errorf("metrics output missing tradefeed_connection_state:\n%s", data)
	}
}

func TestHandler_DebugViews(t *testing.T) {
	v := testViews(t, metrics.New(nil))
	srv := httptest.NewServer(newHandler(v, prometheus.NewRegistry(), "/metrics"))
	defer srv.Close()

	for _, path := range []string{
		"/debug/connectors",
		"/debug/positions",
		"/debug/positions?connection=c1",
		"/debug/accounts",
		"/debug/prices",
		"/debug/trades",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("GET %s Content-Type = %q, want application/json", path, ct)
		}
	}
}

func TestStreamConfig(t *testing.T) {
	jitter := 0.0
	cfg := &config.Config{
		Stream: config.StreamConfig{
			URL:              "wss://feed.example.com/ws",
			HandshakeTimeout: 3 * time.Second,
			WriteTimeout:     2 * time.Second,
			PingInterval:     10 * time.Second,
			PingTimeout:      30 * time.Second,
			QueueCapacity:    64,
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   20 * time.Second,
			Multiplier: 1.5,
			Jitter:     &jitter,
		},
		Commands: config.CommandsConfig{
			MaxPending: 10,
			PendingTTL: time.Minute,
		},
	}

	got := streamConfig(cfg)

	if got.Connection.Client.URL != cfg.Stream.URL {
		t.Errorf("URL = %s, want %s", got.Connection.Client.URL, cfg.Stream.URL)
	}
	if got.Connection.Client.PingTimeout != 30*time.Second {
		t.Errorf("PingTimeout = %v, want 30s", got.Connection.Client.PingTimeout)
	}
	if got.Connection.ReconnectBaseWait != 500*time.Millisecond {
		t.Errorf("ReconnectBaseWait = %v, want 500ms", got.Connection.ReconnectBaseWait)
	}
	if got.Connection.ReconnectJitter != 0 {
		t.Errorf("ReconnectJitter = %v, want 0", got.Connection.ReconnectJitter)
	}
	if got.Router.QueueCapacity != 64 {
		t.Errorf("QueueCapacity = %d, want 64", got.Router.QueueCapacity)
	}
	if got.Tracker.MaxPending != 10 {
		t.Errorf("MaxPending = %d, want 10", got.Tracker.MaxPending)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Errorf("newLogger(debug, json) error = %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}); err == nil {
		t.Error("newLogger(loud) error = nil, want error")
	}
}
