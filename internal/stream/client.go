package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/tradefeed/internal/connection"
	"github.com/rickgao/tradefeed/internal/correlator"
	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
	"github.com/rickgao/tradefeed/internal/router"
)

// Config configures a Client.
type Config struct {
	Connection connection.ManagerConfig
	Router     router.Config
	Tracker    correlator.TrackerConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Router:     router.DefaultConfig(),
		Tracker:    correlator.DefaultTrackerConfig(),
	}
}

// Stats aggregates the statistics of the client's parts.
type Stats struct {
	Connection      connection.ManagerStats
	Router          router.Stats
	PendingCommands int
}

// Option configures a Client.
type Option func(*options)

type options struct {
	errorHook router.ErrorHook
	observers []correlator.Observer
}

// WithErrorHook reports listener failures to hook.
func WithErrorHook(hook router.ErrorHook) Option {
	return func(o *options) { o.errorHook = hook }
}

// WithCommandObserver is told about every command written to the wire.
func WithCommandObserver(obs correlator.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// Client is the upward interface of the feed.
type Client struct {
	logger     *slog.Logger
	router     *router.Router
	manager    *connection.Manager
	tracker    *correlator.Tracker
	correlator *correlator.Correlator

	closeOnce sync.Once
}

// New creates a Client and starts its dispatch goroutine.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var routerOpts []router.Option
	if o.errorHook != nil {
		routerOpts = append(routerOpts, router.WithErrorHook(o.errorHook))
	}
	r := router.NewRouter(cfg.Router, logger.With("component", "router"), m, routerOpts...)
	mgr := connection.NewManager(cfg.Connection, r, logger.With("component", "connection"), m)

	tracker := correlator.NewTracker(cfg.Tracker)
	corrOpts := []correlator.Option{correlator.WithTracker(tracker)}
	for _, obs := range o.observers {
		corrOpts = append(corrOpts, correlator.WithObserver(obs))
	}
	corr := correlator.New(mgr, logger.With("component", "correlator"), m, corrOpts...)

	r.Start(context.Background())

	return &Client{
		logger:     logger,
		router:     r,
		manager:    mgr,
		tracker:    tracker,
		correlator: corr,
	}
}

// Connect authenticates with token and starts receiving events.
func (c *Client) Connect(ctx context.Context, token string) error {
	return c.manager.Connect(ctx, token)
}

// Disconnect closes the link and cancels pending reconnects.
func (c *Client) Disconnect() error {
	return c.manager.Disconnect()
}

// IsConnected reports whether the link is up right now.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// State returns the transport state.
func (c *Client) State() connection.State {
	return c.manager.State()
}

// Err returns the authentication failure that halted reconnection, if any.
func (c *Client) Err() error {
	return c.manager.Err()
}

// On registers handler for eventType.
func (c *Client) On(eventType string, handler router.Handler) router.Registration {
	return c.router.On(eventType, handler)
}

// Off removes a registration. Removing it twice is a no-op.
func (c *Client) Off(reg router.Registration) {
	c.router.Off(reg)
}

// SendTradeCommand sends cmd and returns its correlation id without waiting
// for the result.
func (c *Client) SendTradeCommand(cmd events.TradeCommand) (string, error) {
	return c.correlator.Send(cmd)
}

// Tracker returns the pending command tracker.
func (c *Client) Tracker() *correlator.Tracker {
	return c.tracker
}

// Stats returns current statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Connection:      c.manager.Stats(),
		Router:          c.router.Stats(),
		PendingCommands: c.tracker.Pending(),
	}
}

// Close disconnects and stops dispatching. The Client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.manager.Disconnect()
		// Let the final disconnect signal reach listeners.
		if drainErr := c.router.Drain(ctx); drainErr != nil {
			c.logger.Warn("router drain incomplete", "error", drainErr)
		}
		c.router.Stop(ctx)
	})
	return err
}
