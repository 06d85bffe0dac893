package correlator

import (
	"sync"
	"time"

	"github.com/rickgao/tradefeed/internal/events"
)

// TrackerConfig bounds the pending set.
type TrackerConfig struct {
	MaxPending int           // Oldest ids are evicted beyond this
	TTL        time.Duration // Pending ids older than this are dropped (0 keeps them)
}

// DefaultTrackerConfig returns sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxPending: 1000,
		TTL:        5 * time.Minute,
	}
}

type pending struct {
	id     string
	sentAt time.Time
}

// Tracker remembers sent ids in send order and matches results to them.
type Tracker struct {
	cfg TrackerConfig
	now func() time.Time

	mu    sync.Mutex
	order []pending
	ids   map[string]struct{}
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxPending < 1 {
		cfg.MaxPending = DefaultTrackerConfig().MaxPending
	}
	return &Tracker{
		cfg: cfg,
		now: time.Now,
		ids: make(map[string]struct{}),
	}
}

// Track records id as awaiting a result.
func (t *Tracker) Track(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[id]; ok {
		return
	}
	t.expire()
	for len(t.order) >= t.cfg.MaxPending {
		t.remove(0)
	}
	t.order = append(t.order, pending{id: id, sentAt: t.now()})
	t.ids[id] = struct{}{}
}

// Forget drops id without resolving it.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[id]; !ok {
		return
	}
	for i, p := range t.order {
		if p.id == id {
			t.remove(i)
			return
		}
	}
}

// Resolve returns the correlation id a result belongs to and stops tracking
// it. An echoed id wins when it is pending. Otherwise the oldest pending id
// is assumed. Returns "" when nothing matches.
func (t *Tracker) Resolve(r events.TradeResult) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expire()

	if r.CorrelationID != "" {
		if _, ok := t.ids[r.CorrelationID]; ok {
			for i, p := range t.order {
				if p.id == r.CorrelationID {
					t.remove(i)
					break
				}
			}
		}
		// An unknown echoed id is still the best answer.
		return r.CorrelationID
	}

	if len(t.order) == 0 {
		return ""
	}
	id := t.order[0].id
	t.remove(0)
	return id
}

// Pending returns the number of ids awaiting a result.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// expire drops ids older than the TTL. Callers hold mu.
func (t *Tracker) expire() {
	if t.cfg.TTL <= 0 {
		return
	}
	cutoff := t.now().Add(-t.cfg.TTL)
	n := 0
	for n < len(t.order) && t.order[n].sentAt.Before(cutoff) {
		delete(t.ids, t.order[n].id)
		n++
	}
	if n > 0 {
		t.order = append(t.order[:0], t.order[n:]...)
	}
}

func (t *Tracker) remove(i int) {
	delete(t.ids, t.order[i].id)
	t.order = append(t.order[:i], t.order[i+1:]...)
}
