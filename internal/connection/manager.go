package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
)

const reconnectKey = "reconnect"

// Manager owns the single logical connection and keeps it alive.
//
// Inbound frames and the connect/disconnect/auth_failed signals go to the
// Publisher. Each reconnect attempt builds a fresh Client after closing the
// previous one.
type Manager struct {
	cfg     ManagerConfig
	out     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	newBackOff func() backoff.BackOff
	guard      singleflight.Group

	mu        sync.Mutex
	client    *Client
	token     string
	connected bool // last-known connected flag
	authErr   error
	lastErr   error
	session   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	attempts   atomic.Int64
	reconnects atomic.Int64
}

// NewManager creates a connection manager that publishes to out.
func NewManager(cfg ManagerConfig, out Publisher, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	mgr := &Manager{
		cfg:     cfg,
		out:     out,
		logger:  logger,
		metrics: m,
	}
	mgr.newBackOff = mgr.defaultBackOff
	return mgr
}

func (m *Manager) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseWait
	b.MaxInterval = m.cfg.ReconnectMaxWait
	b.Multiplier = m.cfg.ReconnectMultiplier
	b.RandomizationFactor = m.cfg.ReconnectJitter
	b.Reset()
	return b
}

// Connect starts a session authenticated with token.
//
// An authentication rejection ends the session and returns ErrAuthFailed. A
// transport failure is returned as well, but the manager keeps retrying in the
// background until Disconnect.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.cancel != nil {
		halted := m.authErr != nil
		m.mu.Unlock()
		if !halted {
			return ErrSessionActive
		}
		// A session halted by auth failure is replaced.
		m.Disconnect()
		m.mu.Lock()
	}
	m.token = token
	m.authErr = nil
	m.lastErr = nil
	m.session, m.cancel = context.WithCancel(context.Background())
	session := m.session
	m.mu.Unlock()

	client, err := m.dial(ctx, session, token)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			m.Disconnect()
			m.haltAuth(err)
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}

		m.setLastErr(err)
		m.logger.Warn("initial connect failed, retrying in background", "error", err)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnect(session, nil)
		}()
		return err
	}

	m.install(session, client)
	return nil
}

// Disconnect ends the session: cancels pending reconnects, closes the client
// and drops inbound frames not yet dispatched. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.cancel = nil
	client := m.client
	m.client = nil
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	// Watchers and the reconnect loop observe the cancelled session.
	m.wg.Wait()

	var err error
	if client != nil {
		err = client.Disconnect()
	}

	dropped := m.out.Flush()
	m.metrics.ConnectionState.Set(float64(StateDisconnected))

	if wasConnected {
		m.out.Publish(events.Signal(events.TypeDisconnect, "client disconnect"))
	}

	m.logger.Info("disconnected", "dropped_frames", dropped)
	return err
}

// IsConnected reports whether the current client is CONNECTED.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	return client != nil && client.IsConnected()
}

// State returns the transport state of the current client.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.client != nil:
		return m.client.State()
	case m.cancel != nil && m.authErr == nil:
		return StateConnecting
	case m.authErr != nil:
		return StateFailed
	default:
		return StateDisconnected
	}
}

// Send writes one frame on the current connection.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.Send(data)
}

// Err returns ErrAuthFailed (wrapped) after the backend rejected the token.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authErr
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	active := m.cancel != nil
	lastErr := m.lastErr
	authFailed := m.authErr != nil
	m.mu.Unlock()

	stats := ManagerStats{
		State:             m.State(),
		SessionActive:     active,
		ReconnectAttempts: m.attempts.Load(),
		Reconnects:        m.reconnects.Load(),
		AuthFailed:        authFailed,
	}
	if lastErr != nil {
		stats.LastError = lastErr.Error()
	}
	return stats
}

// dial creates and connects a new client for session.
func (m *Manager) dial(ctx, session context.Context, token string) (*Client, error) {
	m.metrics.ConnectionState.Set(float64(StateConnecting))

	client := NewClient(m.cfg.Client, m.publishFrame, m.logger,
		WithOnConnected(func() error { return m.announce(session) }))
	if err := client.Connect(ctx, token); err != nil {
		client.Disconnect()
		m.metrics.ConnectionState.Set(float64(StateFailed))
		if errors.Is(err, ErrAuthRejected) {
			m.metrics.AuthFailures.Inc()
		}
		return nil, err
	}
	return client, nil
}

func (m *Manager) publishFrame(env events.Envelope) {
	m.out.Publish(env)
}

// announce publishes connect ahead of the new link's first frame.
func (m *Manager) announce(session context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.Err() != nil {
		return ErrClosed
	}
	m.connected = true
	m.out.Publish(events.Signal(events.TypeConnect, ""))
	return nil
}

// install makes client current and starts watching it. It refuses when the
// session was cancelled while dialing.
func (m *Manager) install(session context.Context, client *Client) bool {
	m.mu.Lock()
	if session.Err() != nil {
		m.mu.Unlock()
		client.Disconnect()
		return false
	}
	old := m.client
	m.client = client
	m.lastErr = nil
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil && old != client {
		old.Disconnect()
	}

	m.metrics.ConnectionState.Set(float64(StateConnected))
	m.logger.Info("connected", "url", m.cfg.Client.URL)

	go m.watch(session, client)
	return true
}

// watch waits for client to fail, then drives reconnection.
func (m *Manager) watch(session context.Context, client *Client) {
	defer m.wg.Done()

	select {
	case <-session.Done():
		return
	case err := <-client.Errors():
		m.logger.Warn("connection lost", "error", err)

		m.mu.Lock()
		wasConnected := m.connected
		m.connected = false
		m.lastErr = err
		m.mu.Unlock()

		m.metrics.ConnectionState.Set(float64(StateFailed))
		if wasConnected {
			m.out.Publish(events.Signal(events.TypeDisconnect, err.Error()))
		}

		m.reconnect(session, client)
	}
}

// reconnect runs the backoff loop, at most one at a time. failed is the
// client being replaced (nil when the first dial failed).
func (m *Manager) reconnect(session context.Context, failed *Client) {
	for session.Err() == nil {
		m.guard.Do(reconnectKey, func() (any, error) {
			m.reconnectLoop(session)
			return nil, nil
		})

		// A caller that joined an in-flight loop may still own a failed link.
		m.mu.Lock()
		pending := m.client == failed && m.authErr == nil
		m.mu.Unlock()
		if !pending {
			return
		}
	}
}

func (m *Manager) reconnectLoop(session context.Context) {
	b := m.newBackOff()

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = m.cfg.ReconnectMaxWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-session.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		attempt := m.attempts.Add(1)
		m.metrics.ReconnectAttempts.Inc()
		m.logger.Info("attempting reconnection", "attempt", attempt, "wait", wait)

		// Close old connection
		m.mu.Lock()
		old := m.client
		token := m.token
		m.mu.Unlock()
		if old != nil {
			old.Disconnect()
		}

		client, err := m.dial(session, session, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.haltAuth(err)
				return
			}
			if session.Err() != nil {
				return
			}
			m.setLastErr(err)
			m.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		if m.install(session, client) {
			m.reconnects.Add(1)
			m.logger.Info("reconnected", "attempt", attempt)
		}
		return
	}
}

// haltAuth records an authentication rejection and stops retrying.
func (m *Manager) haltAuth(err error) {
	m.mu.Lock()
	m.authErr = fmt.Errorf("%w: %v", ErrAuthFailed, err)
	m.lastErr = err
	m.connected = false
	m.client = nil
	m.mu.Unlock()

	m.logger.Error("authentication failed, reconnect halted", "error", err)
	m.out.Publish(events.Signal(events.TypeAuthFailed, err.Error()))
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
