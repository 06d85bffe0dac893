package connection

import (
	"errors"
	"time"

	"github.com/rickgao/tradefeed/internal/events"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrInvalidState    = errors.New("invalid connection state")
	ErrClosed          = errors.New("connection closed")
	ErrHandshake       = errors.New("handshake failed")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSessionActive   = errors.New("session already active")
)

// State is the transport lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Sink receives every decoded inbound envelope. It is called on the read
// goroutine and must not block.
type Sink func(events.Envelope)

// Publisher is where the manager sends frames and lifecycle signals.
type Publisher interface {
	Publish(env events.Envelope) bool
	Flush() int
}

// authPayload is the payload of the AUTH handshake frame.
type authPayload struct {
	Token string `json:"token"`
}

// authErrorPayload is the payload of an AUTH_ERROR reply.
type authErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://api.example.com/ws)
	HandshakeTimeout time.Duration // Dial plus AUTH round trip
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period (0 disables)
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      60 * time.Second,
	}
}

// ManagerConfig configures the reconnecting connection manager.
type ManagerConfig struct {
	Client              ClientConfig
	ReconnectBaseWait   time.Duration // First reconnect delay
	ReconnectMaxWait    time.Duration // Cap on the reconnect delay
	ReconnectMultiplier float64       // Growth factor between attempts
	ReconnectJitter     float64       // Randomization factor in [0, 1)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:              DefaultClientConfig(),
		ReconnectBaseWait:   1 * time.Second,
		ReconnectMaxWait:    60 * time.Second,
		ReconnectMultiplier: 2,
		ReconnectJitter:     0.5,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State             State
	SessionActive     bool
	ReconnectAttempts int64
	Reconnects        int64
	LastError         string
	AuthFailed        bool
}
