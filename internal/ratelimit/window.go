package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class names a throttling bucket family. Each class gets its own Window.
type Class string

const (
	ClassAPI  Class = "api"
	ClassGame Class = "game"
	ClassAuth Class = "auth"
)

type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Window is a soft fixed-window throttle. Implementations may lose state on
// restart; they shed load and never guard balances.
type Window interface {
	Allow(ctx context.Context, identifier string) (Decision, error)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryWindow keeps fixed-window counters in process. Construct one per
// class and hand it to whoever throttles; there is no package-level state.
type MemoryWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	return &MemoryWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock swaps the time source, for tests.
func (w *MemoryWindow) WithClock(now func() time.Time) *MemoryWindow {
	w.now = now
	return w
}

func (w *MemoryWindow) Allow(_ context.Context, identifier string) (Decision, error) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buckets[identifier]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(w.window)}
		w.buckets[identifier] = b
	}

	if b.count >= w.limit {
		return Decision{Allowed: false, Limit: w.limit, Remaining: 0, ResetAt: b.resetAt}, nil
	}
	b.count++
	return Decision{Allowed: true, Limit: w.limit, Remaining: w.limit - b.count, ResetAt: b.resetAt}, nil
}

// Sweep drops expired windows and returns how many were removed.
func (w *MemoryWindow) Sweep() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, b := range w.buckets {
		if now.After(b.resetAt) {
			delete(w.buckets, id)
			removed++
		}
	}
	return removed
}
