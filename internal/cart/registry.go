package cart

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultIdleTTL = 2 * time.Hour

// Registry owns one Store per shopper session. Stores live in memory only and are
// evicted once idle for longer than the configured TTL.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*entry
	ttl    time.Duration
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

type entry struct {
	store      *Store
	accessedAt time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL overrides how long an untouched cart survives.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger injects an event logger used by the janitor.
func WithLogger(logger func(context.Context, string, map[string]any)) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		stores: make(map[string]*entry),
		ttl:    defaultIdleTTL,
		now:    time.Now,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get returns the store for the session, creating an empty one on first use.
func (r *Registry) Get(sessionID string) *Store {
	key := strings.TrimSpace(sessionID)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.stores[key]; ok {
		e.accessedAt = now
		return e.store
	}
	store := newStoreWithClock(r.now)
	r.stores[key] = &entry{store: store, accessedAt: now}
	return store
}

// Drop forgets the store for the session.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, strings.TrimSpace(sessionID))
}

// Len returns the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Sweep evicts stores that have been neither accessed nor mutated within the TTL.
func (r *Registry) Sweep(now time.Time) int {
	now = now.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.stores {
		last := e.accessedAt
		if seen := e.store.LastSeen(); seen.After(last) {
			last = seen
		}
		if now.Sub(last) < r.ttl {
			continue
		}
		delete(r.stores, key)
		removed++
	}
	return removed
}

// RunJanitor sweeps on every tick until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := r.Sweep(r.now()); removed > 0 {
				r.logger(ctx, "cart.sweep", map[string]any{
					"removed":   removed,
					"remaining": r.Len(),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}
