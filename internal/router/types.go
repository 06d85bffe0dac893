package router

import (
	"errors"
	"time"

	"github.com/rickgao/tradefeed/internal/events"
)

// ErrStopped is returned by Drain once the router is stopped.
var ErrStopped = errors.New("router stopped")

// Handler receives one validated event. Handlers must not block; long work
// belongs on a goroutine the handler starts itself.
type Handler func(events.Event) error

// ErrorHook is told about every listener failure.
type ErrorHook func(eventType string, err error)

// Registration identifies one listener and is required to remove it.
// The zero value is not a registration.
type Registration struct {
	id        uint64
	eventType string
}

// Type returns the event type the listener was registered for.
func (r Registration) Type() string { return r.eventType }

// Valid reports whether r was returned by On.
func (r Registration) Valid() bool { return r.id != 0 }

// Config holds configuration for the Router.
type Config struct {
	QueueCapacity int // Initial inbound queue capacity; grows on demand
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 1024,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Received      int64
	Dispatched    int64
	Malformed     int64
	Unknown       int64
	HandlerErrors int64
	Queue         QueueStats
}

// inbound is a queued envelope with its arrival time. A non-nil barrier marks
// a Drain request instead of an envelope.
type inbound struct {
	env        events.Envelope
	receivedAt time.Time
	barrier    chan struct{}
}
