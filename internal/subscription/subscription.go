package subscription

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/rickgao/tradefeed/internal/events"
	"github.com/rickgao/tradefeed/internal/router"
)

// Registrar is the registration half of the router.
type Registrar interface {
	On(eventType string, handler router.Handler) router.Registration
	Off(reg router.Registration)
}

// Bind closes c when ctx is done. The returned stop function detaches c
// without closing it.
func Bind(ctx context.Context, c io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() { c.Close() })
}

// scope owns the registrations of one subscription.
type scope struct {
	reg Registrar

	mu     sync.Mutex
	regs   []router.Registration
	closed bool
}

func (s *scope) on(eventType string, h router.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.regs = append(s.regs, s.reg.On(eventType, h))
}

// Close removes every registration. Safe to call more than once.
func (s *scope) Close() error {
	s.mu.Lock()
	regs := s.regs
	s.regs = nil
	s.closed = true
	s.mu.Unlock()

	for _, r := range regs {
		s.reg.Off(r)
	}
	return nil
}

// Active reports whether the subscription still holds registrations.
func (s *scope) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// keyed is a map where each put replaces the record at its key.
type keyed[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newKeyed[T any]() *keyed[T] {
	return &keyed[T]{items: make(map[string]T)}
}

func (k *keyed[T]) put(key string, v T) {
	k.mu.Lock()
	k.items[key] = v
	k.mu.Unlock()
}

func (k *keyed[T]) get(key string) (T, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.items[key]
	return v, ok
}

func (k *keyed[T]) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.items)
}

// sorted returns the records ordered by key.
func (k *keyed[T]) sorted() []T {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]string, 0, len(k.items))
	for key := range k.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		out = append(out, k.items[key])
	}
	return out
}

// payload extracts the typed payload of ev.
func payload[T events.Payload](ev events.Event) (T, bool) {
	p, ok := ev.Payload.(T)
	return p, ok
}
