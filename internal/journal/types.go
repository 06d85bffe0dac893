package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotStarted = errors.New("journal not started")
)

// Entry kinds.
const (
	KindCommand = "command"
	KindResult  = "result"
)

// Store is the subset of *pgxpool.Pool the journal uses.
type Store interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds journal settings.
type Config struct {
	Instance      string        // written to every row
	BatchSize     int           // flush when this many entries are pending
	FlushInterval time.Duration // flush at least this often
	BufferSize    int           // entries queued beyond this are dropped
	WriteTimeout  time.Duration // per-flush database deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Instance:      "streamclient",
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
		WriteTimeout:  5 * time.Second,
	}
}

// Stats contains journal counters.
type Stats struct {
	Queued  int64
	Written int64
	Failed  int64
	Dropped int64
	Flushes int64
	Pending int
}

// Entry is one journal row.
type Entry struct {
	Kind          string
	CorrelationID string
	ConnectionID  string
	Action        string
	Symbol        string
	LotSize       decimal.Decimal
	Success       *bool // results only
	OrderID       string
	Message       string
	Error         string
	RecordedAt    time.Time
}
