package connection

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
)

// fakePublisher records everything the manager publishes.
type fakePublisher struct {
	mu      sync.Mutex
	envs    []events.Envelope
	flushes int
}

func (p *fakePublisher) Publish(env events.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return true
}

func (p *fakePublisher) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return 0
}

// signals returns the local lifecycle signals published so far.
func (p *fakePublisher) signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, env := range p.envs {
		switch env.Type {
		case events.TypeConnect, events.TypeDisconnect, events.TypeAuthFailed:
			out = append(out, env.Type)
		}
	}
	return out
}

func (p *fakePublisher) count(eventType string) int {
	n := 0
	for _, s := range p.signals() {
		if s == eventType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// mockWSServerMulti hands each accepted connection its sequence number.
func mockWSServerMulti(t *testing.T, handler func(n int, conn *websocket.Conn)) *httptest.Server {
	var count atomic.Int32
	return mockWSServer(t, func(conn *websocket.Conn) {
		handler(int(count.Add(1)), conn)
	})
}

func testManager(url string, out Publisher, m *metrics.Metrics) *Manager {
	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(url)
	mgr := NewManager(cfg, out, nil, m)
	mgr.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}
	return mgr
}

func TestManager_Connect(t *testing.T) {
	server := authServer(t, drain)
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)

	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !mgr.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
	if got := mgr.State(); got != StateConnected {
		t.Errorf("State() = %s, want %s", got, StateConnected)
	}
	if err := mgr.Connect(context.Background(), testToken); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Connect error = %v, want ErrSessionActive", err)
	}

	if err := mgr.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if mgr.IsConnected() {
		t.Error("expected IsConnected to return false after Disconnect")
	}

	got := out.signals()
	if len(got) != 2 || got[0] != events.TypeConnect || got[1] != events.TypeDisconnect {
		t.Errorf("signals = %v, want [connect disconnect]", got)
	}
	if out.flushes != 1 {
		t.Errorf("flushes = %d, want 1", out.flushes)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	server := authServer(t, drain)
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)

	if err := mgr.Disconnect(); err != nil {
		t.Errorf("Disconnect before Connect = %v, want nil", err)
	}

	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	mgr.Disconnect()
	mgr.Disconnect()

	if n := out.count(events.TypeDisconnect); n != 1 {
		t.Errorf("disconnect signals = %d, want 1", n)
	}
}

func TestManager_AuthFailure(t *testing.T) {
	server := authServer(t, drain)
	defer server.Close()

	m := metrics.New(nil)
	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, m)

	err := mgr.Connect(context.Background(), "bad-token")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthFailed", err)
	}
	if !errors.Is(mgr.Err(), ErrAuthFailed) {
		t.Errorf("Err() = %v, want ErrAuthFailed", mgr.Err())
	}
	if mgr.IsConnected() {
		t.Error("expected IsConnected to return false")
	}

	time.Sleep(50 * time.Millisecond)
	if n := mgr.Stats().ReconnectAttempts; n != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0 after auth rejection", n)
	}
	if n := out.count(events.TypeAuthFailed); n != 1 {
		t.Errorf("auth_failed signals = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("auth_failures_total = %v, want 1", got)
	}

	// A new token starts a fresh session.
	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect with valid token failed: %v", err)
	}
	defer mgr.Disconnect()
	if mgr.Err() != nil {
		t.Errorf("Err() = %v, want nil after successful Connect", mgr.Err())
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	server := mockWSServerMulti(t, func(n int, conn *websocket.Conn) {
		if !acceptAuth(t, conn) {
			return
		}
		if n == 1 {
			// Drop the first connection right after authenticating.
			return
		}
		drain(conn)
	})
	defer server.Close()

	m := metrics.New(nil)
	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, m)

	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	waitFor(t, "second connect", func() bool { return out.count(events.TypeConnect) == 2 })

	got := out.signals()
	want := []string{events.TypeConnect, events.TypeDisconnect, events.TypeConnect}
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signals[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if !mgr.IsConnected() {
		t.Error("expected IsConnected after reconnect")
	}
	stats := mgr.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if got := testutil.ToFloat64(m.ReconnectAttempts); got < 1 {
		t.Errorf("reconnect_attempts_total = %v, want >= 1", got)
	}
}

func TestManager_AuthFailureHaltsReconnect(t *testing.T) {
	server := mockWSServerMulti(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			// Accept once, then drop.
			acceptAuth(t, conn)
			return
		}
		conn.ReadMessage()
		conn.WriteJSON(map[string]any{
			"type":    events.TypeAuthError,
			"payload": map[string]string{"error": "token expired"},
		})
	})
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)

	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	waitFor(t, "auth_failed", func() bool { return out.count(events.TypeAuthFailed) == 1 })

	attempts := mgr.Stats().ReconnectAttempts
	time.Sleep(100 * time.Millisecond)
	if got := mgr.Stats().ReconnectAttempts; got != attempts {
		t.Errorf("ReconnectAttempts grew from %d to %d after auth failure", attempts, got)
	}
	if !errors.Is(mgr.Err(), ErrAuthFailed) {
		t.Errorf("Err() = %v, want ErrAuthFailed", mgr.Err())
	}
	if got := mgr.State(); got != StateFailed {
		t.Errorf("State() = %s, want %s", got, StateFailed)
	}
}

func TestManager_InitialFailureRetriesInBackground(t *testing.T) {
	var up atomic.Bool
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if !up.Load() {
			// Refuse the handshake by hanging up.
			return
		}
		if acceptAuth(t, conn) {
			drain(conn)
		}
	})
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)

	if err := mgr.Connect(context.Background(), testToken); err == nil {
		t.Fatal("expected initial Connect to fail")
	}
	if mgr.IsConnected() {
		t.Error("expected IsConnected to return false")
	}

	up.Store(true)
	waitFor(t, "background connect", mgr.IsConnected)

	mgr.Disconnect()
	if n := out.count(events.TypeConnect); n != 1 {
		t.Errorf("connect signals = %d, want 1", n)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {})
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)

	mgr.Connect(context.Background(), testToken)
	waitFor(t, "a reconnect attempt", func() bool { return mgr.Stats().ReconnectAttempts > 0 })

	done := make(chan struct{})
	go func() {
		mgr.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}

	attempts := mgr.Stats().ReconnectAttempts
	time.Sleep(50 * time.Millisecond)
	if got := mgr.Stats().ReconnectAttempts; got != attempts {
		t.Errorf("ReconnectAttempts grew from %d to %d after Disconnect", attempts, got)
	}
	if mgr.Stats().SessionActive {
		t.Error("session should be inactive after Disconnect")
	}
	if n := out.count(events.TypeDisconnect); n != 0 {
		t.Errorf("disconnect signals = %d, want 0 when the link never came up", n)
	}
}

func TestManager_SendNotConnected(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig(), &fakePublisher{}, nil, nil)

	if err := mgr.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestManager_ForwardsFrames(t *testing.T) {
	server := authServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type":    events.TypeAccountUpdate,
			"payload": map[string]any{"connectionId": "c1", "balance": 1000},
		})
		drain(conn)
	})
	defer server.Close()

	out := &fakePublisher{}
	mgr := testManager(wsURL(server), out, nil)
	if err := mgr.Connect(context.Background(), testToken); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	waitFor(t, "account frame", func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		for _, env := range out.envs {
			if env.Type == events.TypeAccountUpdate {
				return true
			}
		}
		return false
	})
}

func TestManager_DefaultBackOff(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.ReconnectBaseWait = 100 * time.Millisecond
	cfg.ReconnectMaxWait = 400 * time.Millisecond
	cfg.ReconnectJitter = 0
	mgr := NewManager(cfg, &fakePublisher{}, nil, nil)

	b := mgr.newBackOff()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i+1, got, w)
		}
	}
}
