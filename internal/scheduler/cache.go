package scheduler

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached QueryState answer stays fresh.
const DefaultCacheTTL = time.Second

// cachedState is one memoized QueryState answer.
type cachedState struct {
	state State
	at    time.Time
}

// CachedAdapter decorates an Adapter with a short-lived read-through
// cache on QueryState. Under high task volume the facility can be
// polled far more often than its state actually changes; the cache
// absorbs that. forceRefresh bypasses the cache, and Submit/Cancel
// invalidate the affected id so a follow-up read is never served a
// pre-mutation answer.
type CachedAdapter struct {
	inner Adapter
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedState

	// now is stubbed in tests.
	now func() time.Time
}

// NewCachedAdapter wraps inner with a QueryState cache. A non-positive
// ttl falls back to DefaultCacheTTL.
func NewCachedAdapter(inner Adapter, ttl time.Duration) *CachedAdapter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedAdapter{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedState),
		now:   time.Now,
	}
}

// Submit delegates and invalidates the id's cached state.
func (c *CachedAdapter) Submit(ctx context.Context, taskID string) error {
	c.invalidate(taskID)
	return c.inner.Submit(ctx, taskID)
}

// QueryState returns a cached answer while fresh, otherwise delegates
// and memoizes the result.
func (c *CachedAdapter) QueryState(ctx context.Context, taskID string, forceRefresh bool) (State, error) {
	if !forceRefresh {
		c.mu.Lock()
		entry, ok := c.cache[taskID]
		c.mu.Unlock()
		if ok && c.now().Sub(entry.at) < c.ttl {
			return entry.state, nil
		}
	}

	state, err := c.inner.QueryState(ctx, taskID, forceRefresh)
	if err != nil {
		return state, err
	}

	c.mu.Lock()
	c.cache[taskID] = cachedState{state: state, at: c.now()}
	c.mu.Unlock()

	return state, nil
}

// Cancel delegates and invalidates the id's cached state.
func (c *CachedAdapter) Cancel(ctx context.Context, taskID string) error {
	c.invalidate(taskID)
	return c.inner.Cancel(ctx, taskID)
}

// Forget drops the cached state and forwards to the inner adapter when
// it supports forgetting.
func (c *CachedAdapter) Forget(taskID string) {
	c.invalidate(taskID)
	if f, ok := c.inner.(interface{ Forget(taskID string) }); ok {
		f.Forget(taskID)
	}
}

func (c *CachedAdapter) invalidate(taskID string) {
	c.mu.Lock()
	delete(c.cache, taskID)
	c.mu.Unlock()
}
