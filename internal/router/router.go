package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/metrics"
)

// listener is one registered handler. active is cleared by Off so a listener
// removed mid-dispatch is skipped for the rest of that pass.
type listener struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Router demultiplexes inbound envelopes to registered listeners.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onError ErrorHook

	// Listener lists are replaced, never mutated in place, so a dispatch can
	// iterate the slice it loaded without holding the lock.
	mu        sync.Mutex
	listeners map[string][]*listener
	nextID    uint64

	queue *Queue[inbound]

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	// Stats
	received      atomic.Int64
	dispatched    atomic.Int64
	malformed     atomic.Int64
	unknown       atomic.Int64
	handlerErrors atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithErrorHook reports listener failures to hook in addition to the log.
func WithErrorHook(hook ErrorHook) Option {
	return func(r *Router) { r.onError = hook }
}

// NewRouter creates a new Event Dispatcher.
func NewRouter(cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}

	r := &Router{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		listeners: make(map[string][]*listener),
		queue:     NewQueue[inbound](cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On appends handler to the listeners of eventType.
func (r *Router) On(eventType string, handler Handler) Registration {
	if handler == nil {
		return Registration{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	l := &listener{id: r.nextID, handler: handler}
	l.active.Store(true)

	current := r.listeners[eventType]
	next := make([]*listener, len(current), len(current)+1)
	copy(next, current)
	r.listeners[eventType] = append(next, l)

	r.metrics.Listeners.WithLabelValues(eventType).Set(float64(len(next) + 1))

	return Registration{id: l.id, eventType: eventType}
}

// Off removes the listener behind reg. Removing an absent listener is a no-op.
func (r *Router) Off(reg Registration) {
	if !reg.Valid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.listeners[reg.eventType]
	for i, l := range current {
		if l.id != reg.id {
			continue
		}
		l.active.Store(false)

		next := make([]*listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, reg.eventType)
		} else {
			r.listeners[reg.eventType] = next
		}
		r.metrics.Listeners.WithLabelValues(reg.eventType).Set(float64(len(next)))
		return
	}
}

// Listeners returns the number of listeners registered for eventType.
func (r *Router) Listeners(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[eventType])
}

// Publish queues env for the dispatch goroutine. It never blocks.
// Returns false once the router is stopped.
func (r *Router) Publish(env events.Envelope) bool {
	return r.queue.Push(inbound{env: env, receivedAt: time.Now()})
}

// Flush drops queued envelopes that have not been dispatched yet. Pending
// Drain barriers are kept.
func (r *Router) Flush() int {
	return r.queue.DiscardFunc(func(item inbound) bool {
		return item.barrier == nil
	})
}

// Drain blocks until everything published before the call has been
// dispatched, or ctx is done. Requires a started router.
func (r *Router) Drain(ctx context.Context) error {
	barrier := make(chan struct{})
	if !r.queue.Push(inbound{barrier: barrier}) {
		return ErrStopped
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch validates env and calls its listeners synchronously, in
// registration order. Listener failures never propagate.
func (r *Router) Dispatch(env events.Envelope) {
	r.dispatch(env, time.Now())
}

// Start begins draining the inbound queue.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.dispatchLoop()

	r.logger.Info("event router started", "queue_capacity", r.cfg.QueueCapacity)
	return nil
}

// Stop halts dispatching. No dispatch starts after Stop returns.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	r.stopped.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:      r.received.Load(),
		Dispatched:    r.dispatched.Load(),
		Malformed:     r.malformed.Load(),
		Unknown:       r.unknown.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		Queue:         r.queue.Stats(),
	}
}

// dispatchLoop is the single dispatch goroutine.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()

	for {
		item, ok := r.queue.Pop()
		if !ok {
			return
		}
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		select {
		case <-r.ctx.Done():
			// Refuse new items and release any Drain still waiting.
			r.queue.Close()
			r.releaseBarriers()
			return
		default:
		}
		r.dispatch(item.env, item.receivedAt)
	}
}

// releaseBarriers empties a closed queue, closing every barrier in it.
func (r *Router) releaseBarriers() {
	for {
		item, ok := r.queue.Pop()
		if !ok {
			return
		}
		if item.barrier != nil {
			close(item.barrier)
		}
	}
}

func (r *Router) dispatch(env events.Envelope, receivedAt time.Time) {
	if r.stopped.Load() {
		return
	}
	r.received.Add(1)

	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownType) {
			r.unknown.Add(1)
			r.logger.Debug("skipping event type", "type", env.Type)
			return
		}
		r.malformed.Add(1)
		r.metrics.MalformedFrames.Inc()
		r.logger.Warn("rejecting malformed event", "type", env.Type, "error", err)
		return
	}
	r.metrics.FramesReceived.WithLabelValues(env.Type).Inc()

	r.mu.Lock()
	snapshot := r.listeners[env.Type]
	r.mu.Unlock()

	ev := events.Event{Type: env.Type, Payload: payload, ReceivedAt: receivedAt}
	for _, l := range snapshot {
		if !l.active.Load() {
			continue
		}
		if err := r.invoke(l, ev); err != nil {
			r.handlerErrors.Add(1)
			r.metrics.HandlerErrors.WithLabelValues(env.Type).Inc()
			r.logger.Error("event handler failed", "type", env.Type, "listener", l.id, "error", err)
			if r.onError != nil {
				r.onError(env.Type, err)
			}
		}
	}
	r.dispatched.Add(1)
}

// invoke runs one handler, converting a panic into an error.
func (r *Router) invoke(l *listener, ev events.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return l.handler(ev)
}
