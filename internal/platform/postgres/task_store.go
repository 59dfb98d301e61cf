package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/store"
)

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
// Every write replaces the affected record in one statement, so a reader
// never observes a partially updated row.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// Save persists the full task record, replacing any existing row with
// the same id.
func (s *PostgresTaskStore) Save(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	specJSON, err := json.Marshal(task.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode task spec: %w", err)
	}

	var resultJSON []byte
	if task.Result != nil {
		resultJSON, err = json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
	}

	query := `
		INSERT INTO tasks (id, spec, status, message, registered_at, start_time, result, retries_remaining, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			spec = EXCLUDED.spec,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			registered_at = EXCLUDED.registered_at,
			start_time = EXCLUDED.start_time,
			result = EXCLUDED.result,
			retries_remaining = EXCLUDED.retries_remaining,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		specJSON,
		task.Status,
		task.Message,
		task.RegisteredAt,
		task.StartTime,
		nullableJSON(resultJSON),
		task.RetriesRemaining,
		time.Now().UTC(),
	)

	if err != nil {
		log.Error("failed to save task",
			"task_id", task.ID,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}

	return nil
}

// Load returns the task with the given id, or (nil, nil) when no row
// exists. Absence is not an error.
func (s *PostgresTaskStore) Load(ctx context.Context, id string) (*domain.Task, error) {
	query := `
		SELECT id, spec, status, message, registered_at, start_time, result, retries_remaining
		FROM tasks
		WHERE id = $1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task: %w", MapError(err))
	}

	return task, nil
}

// SaveResult records the terminal result together with the final
// status. The update is conditional on the row not already holding a
// terminal status, so the first terminal write wins even when a
// cancellation races a natural completion.
func (s *PostgresTaskStore) SaveResult(
	ctx context.Context,
	id string,
	result *domain.TaskResult,
	status domain.TaskStatus,
) error {
	log := logger.FromContext(ctx)

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
	}

	query := `
		UPDATE tasks
		SET result = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ('completed', 'failed')
	`

	res, err := s.db.ExecContext(ctx, query, nullableJSON(resultJSON), status, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to save task result",
			"task_id", id,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to save task result: %w", MapError(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Either the id is unknown or a terminal outcome is already in
		// place; only the former is an error.
		existing, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
	}

	return nil
}

// SaveStatus updates the task's status, progress message, and, when
// non-nil, the dispatch start time.
func (s *PostgresTaskStore) SaveStatus(
	ctx context.Context,
	id string,
	status domain.TaskStatus,
	message string,
	startTime *time.Time,
) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = $1, message = $2, start_time = COALESCE($3, start_time), updated_at = $4
		WHERE id = $5
	`

	res, err := s.db.ExecContext(ctx, query, status, message, startTime, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}

	return requireRow(res, id)
}

// Delete removes every record for the id.
func (s *PostgresTaskStore) Delete(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete task",
			"task_id", id,
			"error", err)
		return fmt.Errorf("failed to delete task: %w", MapError(err))
	}

	return requireRow(res, id)
}

// ListIDs returns the ids of all persisted tasks, oldest first.
func (s *PostgresTaskStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task ids: %w", err)
	}

	return ids, nil
}

// rowScanner abstracts *sql.Row so scanTask can also serve query rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask maps one tasks row into a domain.Task.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task       domain.Task
		specJSON   []byte
		resultJSON []byte
		startTime  sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&specJSON,
		&task.Status,
		&task.Message,
		&task.RegisteredAt,
		&startTime,
		&resultJSON,
		&task.RetriesRemaining,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(specJSON, &task.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode task spec: %w", err)
	}

	if len(resultJSON) > 0 {
		task.Result = &domain.TaskResult{}
		if err := json.Unmarshal(resultJSON, task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}

	if startTime.Valid {
		t := startTime.Time.UTC()
		task.StartTime = &t
	}

	return &task, nil
}

// requireRow converts a zero-rows-affected update into ErrTaskNotFound.
func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// nullableJSON returns nil for empty payloads so the column stores SQL
// NULL instead of an empty byte string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
