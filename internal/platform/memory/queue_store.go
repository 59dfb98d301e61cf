package memory

import (
	"context"
	"sync"
)

// QueueStore implements store.QueueStore with a mutex-guarded slice.
// SaveFn lets tests inject persistence failures.
type QueueStore struct {
	mu      sync.RWMutex
	pending []string

	SaveFn func(ctx context.Context, ids []string) error
}

// NewQueueStore creates an empty in-memory queue store.
func NewQueueStore() *QueueStore {
	return &QueueStore{}
}

// SavePending replaces the persisted pending set.
func (s *QueueStore) SavePending(ctx context.Context, ids []string) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, ids)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]string(nil), ids...)
	return nil
}

// LoadPending returns the persisted pending set in order.
func (s *QueueStore) LoadPending(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pending...), nil
}
