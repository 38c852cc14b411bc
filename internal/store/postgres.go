package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock implements the
// same surface, which is how the store is tested without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ErrTaskNotFound is returned by GetTask for an unknown task id.
var ErrTaskNotFound = errors.New("task not found in execution log")

// PostgresStore is the persistent, append-only execution log. Results are
// written one row per action in sequence order; the terminal outcome lands in
// its own table exactly once per task.
type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := NewPostgresStoreWithDB(pool, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection handle. Used by tests
// and by callers that manage the pool themselves.
func NewPostgresStoreWithDB(db DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.Named("store.postgres"),
	}
}

var _ schemas.ExecutionLogStore = (*PostgresStore)(nil)

// EnsureSchema creates the log tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_results (
			task_id    TEXT        NOT NULL,
			seq        INTEGER     NOT NULL,
			payload    JSONB       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (task_id, seq)
		);
		CREATE TABLE IF NOT EXISTS task_outcomes (
			task_id     TEXT        NOT NULL PRIMARY KEY,
			status      TEXT        NOT NULL,
			payload     JSONB       NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure execution log schema: %w", err)
	}
	return nil
}

// AppendResult records the seq-th ActionResult of a task. The log is
// append-only; re-inserting an existing (task, seq) pair is an error.
func (s *PostgresStore) AppendResult(ctx context.Context, taskID string, seq int, result schemas.ActionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal action result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO task_results (task_id, seq, payload)
		VALUES ($1, $2, $3);
	`, taskID, seq, payload)
	if err != nil {
		return fmt.Errorf("failed to append action result: %w", err)
	}
	return nil
}

// FinishTask records the terminal outcome for a task.
func (s *PostgresStore) FinishTask(ctx context.Context, outcome *schemas.TaskOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal task outcome: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO task_outcomes (task_id, status, payload, finished_at)
		VALUES ($1, $2, $3, $4);
	`, outcome.TaskID, string(outcome.Status), payload, outcome.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	return nil
}

// GetTask loads the full execution record of one task.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*schemas.TaskRecord, error) {
	record := &schemas.TaskRecord{TaskID: taskID}

	rows, err := s.db.Query(ctx, `
		SELECT payload FROM task_results WHERE task_id = $1 ORDER BY seq;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		var result schemas.ActionResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
		}
		record.Results = append(record.Results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading task results: %w", err)
	}

	var payload []byte
	err = s.db.QueryRow(ctx, `
		SELECT payload FROM task_outcomes WHERE task_id = $1;
	`, taskID).Scan(&payload)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Task still in flight; results alone are a valid record.
	case err != nil:
		return nil, fmt.Errorf("failed to query task outcome: %w", err)
	default:
		var outcome schemas.TaskOutcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task outcome: %w", err)
		}
		record.Outcome = &outcome
	}

	if len(record.Results) == 0 && record.Outcome == nil {
		return nil, ErrTaskNotFound
	}
	return record, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}
