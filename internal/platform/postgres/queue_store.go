package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/store"
)

// PostgresQueueStore implements the store.QueueStore interface using a
// single-row table holding the ordered pending set as JSONB. The row is
// rewritten whole on every save, so the record is always internally
// consistent.
type PostgresQueueStore struct {
	db store.DBTX
}

// NewPostgresQueueStore creates a new PostgresQueueStore.
func NewPostgresQueueStore(db store.DBTX) *PostgresQueueStore {
	return &PostgresQueueStore{
		db: db,
	}
}

// SavePending replaces the persisted pending set with ids, in order.
func (s *PostgresQueueStore) SavePending(ctx context.Context, ids []string) error {
	log := logger.FromContext(ctx)

	if ids == nil {
		ids = []string{}
	}

	pendingJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode pending set: %w", err)
	}

	query := `
		INSERT INTO queue_state (id, pending, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			pending = EXCLUDED.pending,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, pendingJSON, time.Now().UTC()); err != nil {
		log.Error("failed to persist pending set",
			"pending_count", len(ids),
			"error", err)
		return fmt.Errorf("failed to persist pending set: %w", MapError(err))
	}

	return nil
}

// LoadPending returns the persisted pending set in order. A missing row
// means no queue state has ever been saved and yields an empty set.
func (s *PostgresQueueStore) LoadPending(ctx context.Context) ([]string, error) {
	var pendingJSON []byte

	err := s.db.QueryRowContext(ctx, `SELECT pending FROM queue_state WHERE id = 1`).
		Scan(&pendingJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to load pending set: %w", MapError(err))
	}

	var ids []string
	if err := json.Unmarshal(pendingJSON, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode pending set: %w", err)
	}

	return ids, nil
}
