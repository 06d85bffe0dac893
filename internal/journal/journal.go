package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
	"github.com/rickgao/tradefeed/internal/router"
	"github.com/rickgao/tradefeed/internal/subscription"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trade_journal (
	id             BIGSERIAL PRIMARY KEY,
	instance       TEXT        NOT NULL,
	kind           TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL DEFAULT '',
	connection_id  TEXT        NOT NULL DEFAULT '',
	action         TEXT        NOT NULL DEFAULT '',
	symbol         TEXT        NOT NULL DEFAULT '',
	lot_size       NUMERIC,
	success        BOOLEAN,
	order_id       TEXT        NOT NULL DEFAULT '',
	message        TEXT        NOT NULL DEFAULT '',
	error          TEXT        NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_journal_correlation_idx ON trade_journal (correlation_id);
`

const insertSQL = `
	INSERT INTO trade_journal (instance, kind, correlation_id, connection_id, action, symbol,
		lot_size, success, order_id, message, error, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// Journal batches entries into the trade_journal table.
type Journal struct {
	cfg     Config
	db      Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Input
	input *router.Queue[Entry]

	// Batching
	batch       []Entry
	batchMu     sync.Mutex
	flushTicker *time.Ticker
	flushMu     sync.Mutex // one flush in flight

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	consumeWG sync.WaitGroup // consumeLoop, released by closing input
	flushWG   sync.WaitGroup // flushLoop, released by cancel

	stats Stats
}

// New creates a journal writing to db.
func New(cfg Config, db Store, logger *slog.Logger, m *metrics.Metrics) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Journal{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "journal"),
		metrics: m,
		now:     time.Now,
		input:   router.NewQueue[Entry](cfg.BufferSize),
		batch:   make([]Entry, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create trade_journal: %w", err)
	}
	return nil
}

// Start begins consuming entries and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	// Consumer goroutine
	j.consumeWG.Add(1)
	go j.consumeLoop()

	// Flush ticker goroutine
	j.flushWG.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued entries and writes them before returning, unless ctx
// expires first.
func (j *Journal) Stop(ctx context.Context) error {
	if j.cancel == nil {
		return ErrNotStarted
	}
	j.logger.Info("stopping journal")

	// The consumer exits once the queue is empty.
	j.input.Close()
	err := waitGroup(ctx, &j.consumeWG)

	j.cancel()
	j.flushTicker.Stop()
	if werr := waitGroup(ctx, &j.flushWG); err == nil {
		err = werr
	}
	if err != nil {
		j.logger.Warn("journal stop timed out")
	}

	// Final flush
	j.flush()

	j.logger.Info("journal stopped", "written", j.Stats().Written)
	return err
}

// Record queues e. It never blocks; entries beyond BufferSize are dropped.
func (j *Journal) Record(e Entry) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = j.now()
	}

	if j.cfg.BufferSize > 0 && j.input.Len() >= j.cfg.BufferSize {
		j.drop(e, "buffer full")
		return
	}
	if !j.input.Push(e) {
		j.drop(e, "stopped")
		return
	}

	j.batchMu.Lock()
	j.stats.Queued++
	j.batchMu.Unlock()
}

// RecordCommand journals a command written to the socket. It has the shape
// of a correlator observer.
func (j *Journal) RecordCommand(cmd events.TradeCommand) {
	j.Record(Entry{
		Kind:          KindCommand,
		CorrelationID: cmd.CorrelationID,
		ConnectionID:  cmd.ConnectionID,
		Action:        string(cmd.Action),
		Symbol:        cmd.Symbol,
		LotSize:       cmd.LotSize,
	})
}

// RecordResult journals a trade result as received.
func (j *Journal) RecordResult(res events.TradeResult) {
	success := res.Success
	j.Record(Entry{
		Kind:          KindResult,
		CorrelationID: res.CorrelationID,
		Success:       &success,
		OrderID:       res.OrderID,
		Message:       res.Message,
		Error:         res.Error,
	})
}

// Attach records every TRADE_RESULT dispatched by reg. The returned function
// removes the listener.
func (j *Journal) Attach(reg subscription.Registrar) (detach func()) {
	r := reg.On(events.TypeTradeResult, func(ev events.Event) error {
		if res, ok := ev.Payload.(events.TradeResult); ok {
			j.RecordResult(res)
		}
		return nil
	})
	return func() { reg.Off(r) }
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	s := j.stats
	s.Pending = len(j.batch) + j.input.Len()
	return s
}

func (j *Journal) drop(e Entry, reason string) {
	j.batchMu.Lock()
	j.stats.Dropped++
	j.batchMu.Unlock()

	j.metrics.JournalRows.WithLabelValues("dropped").Inc()
	j.logger.Warn("journal entry dropped",
		"reason", reason,
		"kind", e.Kind,
		"correlation_id", e.CorrelationID,
	)
}

// waitGroup waits for wg or ctx, whichever comes first.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consumeLoop moves queued entries into the batch until the queue closes.
func (j *Journal) consumeLoop() {
	defer j.consumeWG.Done()

	for {
		e, ok := j.input.Pop()
		if !ok {
			return
		}

		j.batchMu.Lock()
		j.batch = append(j.batch, e)
		shouldFlush := len(j.batch) >= j.cfg.BatchSize
		j.batchMu.Unlock()

		if shouldFlush {
			j.flush()
		}
	}
}

// flushLoop periodically flushes the batch.
func (j *Journal) flushLoop() {
	defer j.flushWG.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush()
		}
	}
}

// flush writes the current batch. Failed batches are counted and discarded.
func (j *Journal) flush() {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]Entry, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()

	// Not derived from j.ctx so the final flush after Stop still runs.
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()

	if err := j.batchInsert(ctx, batch); err != nil {
		j.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.stats.Failed += int64(len(batch))
		j.batchMu.Unlock()
		j.metrics.JournalRows.WithLabelValues("failed").Add(float64(len(batch)))
		return
	}

	j.batchMu.Lock()
	j.stats.Written += int64(len(batch))
	j.stats.Flushes++
	j.batchMu.Unlock()
	j.metrics.JournalRows.WithLabelValues("written").Add(float64(len(batch)))

	j.logger.Debug("flushed journal",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using a single pgx.Batch.
func (j *Journal) batchInsert(ctx context.Context, rows []Entry) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		var lot any
		if !r.LotSize.IsZero() {
			lot = r.LotSize.String()
		}
		batch.Queue(insertSQL,
			j.cfg.Instance, r.Kind, r.CorrelationID, r.ConnectionID, r.Action, r.Symbol,
			lot, r.Success, r.OrderID, r.Message, r.Error, r.RecordedAt,
		)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
