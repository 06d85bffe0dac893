package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tradefeed/internal/events"
)

// Client is a single authenticated WebSocket connection.
//
// A Client runs DISCONNECTED → CONNECTING → CONNECTED → CLOSING →
// DISCONNECTED, or drops to FAILED from CONNECTING/CONNECTED on a transport
// error. Failures after the handshake are reported on Errors.
type Client struct {
	cfg         ClientConfig
	logger      *slog.Logger
	sink        Sink
	onConnected func() error

	conn *websocket.Conn

	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	state      State
	lastPingAt time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOnConnected runs fn once the handshake succeeds, before the first
// inbound frame reaches the sink. An error from fn aborts the connection.
func WithOnConnected(fn func() error) ClientOption {
	return func(c *Client) { c.onConnected = fn }
}

// NewClient creates a new WebSocket client. sink receives inbound envelopes.
func NewClient(cfg ClientConfig, sink Sink, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		errors: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true only in CONNECTED.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Errors returns a channel of connection failures after the handshake.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Connect dials, authenticates with token and starts the receive loop.
// Valid only from DISCONNECTED.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, state)
	}
	c.state = StateConnecting
	c.done = make(chan struct{})
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setFailed()
		return fmt.Errorf("%w: dial: %v", ErrHandshake, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// Abort the handshake read if the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = c.handshake(conn, token)
	stop()
	if err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.setFailed()
		conn.Close()
		return err
	}

	// Set up ping handler - server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Set up pong handler - server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnected
	c.lastPingAt = time.Now()
	done := c.done
	c.mu.Unlock()

	if c.onConnected != nil {
		if err := c.onConnected(); err != nil {
			c.fail(err)
			conn.Close()
			return err
		}
	}

	c.wg.Add(1)
	go c.readLoop(conn, done)
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(conn, done)
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// handshake sends the AUTH frame and waits for the backend's verdict.
func (c *Client) handshake(conn *websocket.Conn, token string) error {
	auth, err := events.NewEnvelope(events.TypeAuth, authPayload{Token: token})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("%w: send auth: %v", ErrHandshake, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: await auth reply: %v", ErrHandshake, err)
	}
	conn.SetReadDeadline(time.Time{})

	reply, err := events.ParseEnvelope(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	switch reply.Type {
	case events.TypeAuthOK:
		return nil
	case events.TypeAuthError:
		var p authErrorPayload
		if len(reply.Payload) > 0 {
			json.Unmarshal(reply.Payload, &p)
		}
		reason := p.Error
		if reason == "" {
			reason = p.Message
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
	default:
		return fmt.Errorf("%w: unexpected reply %q", ErrHandshake, reply.Type)
	}
}

// Disconnect closes the connection. Calling it while DISCONNECTED is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	done := c.done
	c.done = nil
	c.mu.Unlock()

	// Signal goroutines to stop
	if done != nil {
		close(done)
	}

	var err error
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	}

	c.wg.Wait()
	c.setState(StateDisconnected)

	return err
}

// Send writes one text frame. Fails with ErrNotConnected unless CONNECTED.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// SendEnvelope marshals env and sends it.
func (c *Client) SendEnvelope(env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return c.Send(data)
}

// readLoop decodes frames and hands them to the sink until the socket fails.
func (c *Client) readLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Ignore errors after Disconnect() is called
			select {
			case <-done:
			default:
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		env, err := events.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		if c.sink != nil {
			c.sink(env)
		}
	}
}

// heartbeatLoop pings the server and watches for stale connections.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				// Unblock the reader.
				conn.Close()
				return
			}
		}
	}
}

// fail moves a live connection to FAILED and reports err once.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
}

func (c *Client) setFailed() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateFailed
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}
