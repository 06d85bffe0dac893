package correlator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tradefeed/internal/connection"
	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
)

// ErrNotConnected is returned when a command is sent without a live link.
var ErrNotConnected = connection.ErrNotConnected

// Sender is the outbound half of the transport.
type Sender interface {
	Send(data []byte) error
	IsConnected() bool
}

// Observer is told about every command that was written to the wire.
type Observer func(cmd events.TradeCommand)

// Correlator stamps and sends trade commands.
type Correlator struct {
	sender    Sender
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracker   *Tracker
	observers []Observer
	newID     func() string
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithObserver adds an observer called after each successful send.
func WithObserver(o Observer) Option {
	return func(c *Correlator) { c.observers = append(c.observers, o) }
}

// WithTracker records sent ids in t.
func WithTracker(t *Tracker) Option {
	return func(c *Correlator) { c.tracker = t }
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Correlator) { c.newID = gen }
}

// New creates a Correlator writing through sender.
func New(sender Sender, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	c := &Correlator{
		sender:  sender,
		logger:  logger,
		metrics: m,
		newID:   NewID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send stamps cmd with a fresh correlation id, writes it and returns the id.
// It never waits for the result. When the transport is down it fails with
// ErrNotConnected and nothing is written.
func (c *Correlator) Send(cmd events.TradeCommand) (string, error) {
	if !c.sender.IsConnected() {
		c.metrics.CommandsRejected.WithLabelValues("not_connected").Inc()
		return "", ErrNotConnected
	}
	if err := cmd.Validate(); err != nil {
		c.metrics.CommandsRejected.WithLabelValues("invalid").Inc()
		return "", err
	}

	cmd.CorrelationID = c.newID()

	env, err := events.NewEnvelope(events.TypeTradeCommand, cmd)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	// Track before writing so a fast result still finds its id.
	if c.tracker != nil {
		c.tracker.Track(cmd.CorrelationID)
	}

	if err := c.sender.Send(data); err != nil {
		if c.tracker != nil {
			c.tracker.Forget(cmd.CorrelationID)
		}
		if errors.Is(err, connection.ErrNotConnected) {
			c.metrics.CommandsRejected.WithLabelValues("not_connected").Inc()
			return "", ErrNotConnected
		}
		c.metrics.CommandsRejected.WithLabelValues("write_error").Inc()
		return "", fmt.Errorf("send command: %w", err)
	}

	c.metrics.CommandsSent.WithLabelValues(string(cmd.Action)).Inc()
	c.logger.Info("trade command sent",
		"correlation_id", cmd.CorrelationID,
		"connection_id", cmd.ConnectionID,
		"action", cmd.Action,
		"symbol", cmd.Symbol,
	)

	for _, o := range c.observers {
		o(cmd)
	}

	return cmd.CorrelationID, nil
}

// Tracker returns the tracker, or nil.
func (c *Correlator) Tracker() *Tracker {
	return c.tracker
}

// NewID returns "<unix-millis>-<8 hex chars>".
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}
