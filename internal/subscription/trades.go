package subscription

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tradefeed/internal/events"
)

const defaultRecentNotices = 50

// Notice is the user-facing outcome of one trade command.
type Notice struct {
	Success       bool
	CorrelationID string
	OrderID       string
	Message       string
	Error         string
	At            time.Time
}

// Text returns the line shown to the user.
func (n Notice) Text() string {
	if n.Success {
		if n.Message != "" {
			return n.Message
		}
		return "trade executed"
	}
	if n.Error != "" {
		return n.Error
	}
	if n.Message != "" {
		return n.Message
	}
	return "trade failed"
}

// Notifier receives trade outcomes as two distinct signals.
type Notifier interface {
	Success(n Notice)
	Failure(n Notice)
}

// Resolver maps a trade result to the correlation id of its command.
type Resolver interface {
	Resolve(r events.TradeResult) string
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Success implements Notifier.
func (l LogNotifier) Success(n Notice) {
	l.logger().Info("trade succeeded",
		"correlation_id", n.CorrelationID,
		"order_id", n.OrderID,
		"message", n.Text(),
	)
}

// Failure implements Notifier.
func (l LogNotifier) Failure(n Notice) {
	l.logger().Error("trade failed",
		"correlation_id", n.CorrelationID,
		"order_id", n.OrderID,
		"error", n.Text(),
	)
}

func (l LogNotifier) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// TradeNotifications turns TRADE_RESULT events into notifier signals.
type TradeNotifications struct {
	scope
	notifier Notifier
	resolver Resolver
	limit    int

	mu     sync.Mutex
	recent []Notice
}

// TradeOption configures TradeNotifications.
type TradeOption func(*TradeNotifications)

// WithResolver matches results to commands through r.
func WithResolver(r Resolver) TradeOption {
	return func(t *TradeNotifications) { t.resolver = r }
}

// WithRecentLimit sets how many notices Recent keeps.
func WithRecentLimit(n int) TradeOption {
	return func(t *TradeNotifications) {
		if n > 0 {
			t.limit = n
		}
	}
}

// NewTradeNotifications registers a trade result listener on reg.
func NewTradeNotifications(reg Registrar, notifier Notifier, opts ...TradeOption) *TradeNotifications {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	t := &TradeNotifications{
		scope:    scope{reg: reg},
		notifier: notifier,
		limit:    defaultRecentNotices,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.on(events.TypeTradeResult, t.handleResult)
	return t
}

// Recent returns the latest notices, oldest first.
func (t *TradeNotifications) Recent() []Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Notice(nil), t.recent...)
}

func (t *TradeNotifications) handleResult(ev events.Event) error {
	r, ok := payload[events.TradeResult](ev)
	if !ok {
		return nil
	}

	n := Notice{
		Success:       r.Success,
		CorrelationID: r.CorrelationID,
		OrderID:       r.OrderID,
		Message:       r.Message,
		Error:         r.Error,
		At:            ev.ReceivedAt,
	}
	if t.resolver != nil {
		n.CorrelationID = t.resolver.Resolve(r)
	}

	t.mu.Lock()
	t.recent = append(t.recent, n)
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
	t.mu.Unlock()

	if n.Success {
		t.notifier.Success(n)
	} else {
		t.notifier.Failure(n)
	}
	return nil
}
