// streamclient connects to the trading backend's event feed and prints
// connection status, positions, accounts and trade results to the console.
// Usage: go run ./cmd/streamclient --config configs/streamclient.example.yaml
//
// The token is usually supplied through the environment:
//
//	STREAM_TOKEN - bearer token sent in the AUTH handshake
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tradefeed/internal/config"
	"github.com/rickgao/tradefeed/internal/connection"
	"github.com/rickgao/tradefeed/internal/correlator"
	"github.com/rickgao/tradefeed/internal/database"
	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/journal"
	"github.com/rickgao/tradefeed/internal/metrics"
	"github.com/rickgao/tradefeed/internal/router"
	"github.com/rickgao/tradefeed/internal/stream"
	"github.com/rickgao/tradefeed/internal/subscription"
	"github.com/rickgao/tradefeed/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/streamclient.example.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	statsInterval := flag.Duration("stats", 30*time.Second, "interval between stats lines (0 disables)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(*configPath, *statsInterval); err != nil {
		slog.Error("streamclient exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, statsInterval time.Duration) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting streamclient",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"url", cfg.Stream.URL,
	)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel(nil)
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Optional trade journal
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		var pool *pgxpool.Pool
		jrnl, pool, err = startJournal(ctx, cfg, logger, m)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			jrnl.Stop(stopCtx)
			pool.Close()
		}()
	}

	opts := []stream.Option{
		stream.WithErrorHook(func(eventType string, err error) {
			logger.Warn("listener failed", "type", eventType, "error", err)
		}),
	}
	if jrnl != nil {
		opts = append(opts, stream.WithCommandObserver(jrnl.RecordCommand))
	}

	client := stream.New(streamConfig(cfg), logger, m, opts...)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	// Consumers
	status := subscription.NewConnectionStatus(client)
	defer status.Close()
	positions := subscription.NewPositions(client)
	defer positions.Close()
	accounts := subscription.NewAccounts(client)
	defer accounts.Close()
	prices := subscription.NewPrices(client)
	defer prices.Close()
	trades := subscription.NewTradeNotifications(client,
		subscription.LogNotifier{Logger: logger.With("component", "trades")},
		subscription.WithResolver(client.Tracker()),
	)
	defer trades.Close()
	if jrnl != nil {
		defer jrnl.Attach(client)()
	}

	logSignals(client, logger)
	client.On(events.TypeAuthFailed, func(ev events.Event) error {
		cancel(connection.ErrAuthFailed)
		return nil
	})

	state := &views{
		client:    client,
		status:    status,
		positions: positions,
		accounts:  accounts,
		prices:    prices,
		trades:    trades,
		journal:   jrnl,
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHandler(state, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if statsInterval > 0 {
		g.Go(func() error {
			printStats(gctx, statsInterval, state, logger)
			return nil
		})
	}

	g.Go(func() error {
		connectCtx, connectCancel := context.WithTimeout(gctx, cfg.Stream.HandshakeTimeout)
		defer connectCancel()

		err := client.Connect(connectCtx, cfg.Stream.Token)
		switch {
		case errors.Is(err, connection.ErrAuthFailed):
			return err
		case err != nil:
			logger.Warn("initial connect failed, retrying in background", "error", err)
		default:
			logger.Info("streamclient running",
				"instance_id", cfg.Instance.ID,
				"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
			)
		}

		<-gctx.Done()
		return context.Cause(gctx)
	})

	err = g.Wait()
	logger.Info("shutting down...")

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

// streamConfig maps file configuration onto the client's settings.
func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		Connection: connection.ManagerConfig{
			Client: connection.ClientConfig{
				URL:              cfg.Stream.URL,
				HandshakeTimeout: cfg.Stream.HandshakeTimeout,
				WriteTimeout:     cfg.Stream.WriteTimeout,
				PingInterval:     cfg.Stream.PingInterval,
				PingTimeout:      cfg.Stream.PingTimeout,
			},
			ReconnectBaseWait:   cfg.Reconnect.BaseDelay,
			ReconnectMaxWait:    cfg.Reconnect.MaxDelay,
			ReconnectMultiplier: cfg.Reconnect.Multiplier,
			ReconnectJitter:     cfg.Reconnect.JitterFactor(),
		},
		Router: router.Config{
			QueueCapacity: cfg.Stream.QueueCapacity,
		},
		Tracker: correlator.TrackerConfig{
			MaxPending: cfg.Commands.MaxPending,
			TTL:        cfg.Commands.PendingTTL,
		},
	}
}

// startJournal connects to the journal database and starts the flush loop.
func startJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*journal.Journal, *pgxpool.Pool, error) {
	db := cfg.Journal.Database
	logger.Info("connecting to journal database",
		"host", db.Host,
		"port", db.Port,
		"database", db.Name,
	)

	pool, err := database.Connect(ctx, db, cfg.Instance.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("journal database: %w", err)
	}

	j := journal.New(journal.Config{
		Instance:      cfg.Instance.ID,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferSize:    cfg.Journal.BufferSize,
		WriteTimeout:  cfg.Stream.WriteTimeout,
	}, pool, logger, m)

	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	j.Start(ctx)

	logger.Info("journal database connected")
	return j, pool, nil
}

// logSignals prints link transitions to the console.
func logSignals(client *stream.Client, logger *slog.Logger) {
	client.On(events.TypeConnect, func(events.Event) error {
		logger.Info("feed connected")
		return nil
	})
	client.On(events.TypeDisconnect, func(ev events.Event) error {
		reason := ""
		if d, ok := ev.Payload.(events.Disconnected); ok {
			reason = d.Reason
		}
		logger.Warn("feed disconnected", "reason", reason)
		return nil
	})
	client.On(events.TypeAuthFailed, func(ev events.Event) error {
		reason := ""
		if a, ok := ev.Payload.(events.AuthFailed); ok {
			reason = a.Reason
		}
		logger.Error("feed authentication failed", "reason", reason)
		return nil
	})
}

func printStats(ctx context.Context, interval time.Duration, v *views, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := v.client.Stats()
			logger.Info("stats",
				"state", stats.Connection.State,
				"reconnects", stats.Connection.Reconnects,
				"received", stats.Router.Received,
				"dispatched", stats.Router.Dispatched,
				"handler_errors", stats.Router.HandlerErrors,
				"pending_commands", stats.PendingCommands,
				"connectors", len(v.status.Connectors()),
				"positions", v.positions.Len(),
				"accounts", v.accounts.Len(),
				"symbols", v.prices.Len(),
			)
		}
	}
}
