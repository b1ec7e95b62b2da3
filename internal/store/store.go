// File: internal/store/store.go
// Description: Optional PostgreSQL history of execution results. Only result
// metadata is stored; parameters and passwords never reach the database.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS rotation_history (
            execution_id      TEXT PRIMARY KEY,
            site_key          TEXT NOT NULL,
            status            TEXT NOT NULL,
            error_kind        TEXT NOT NULL DEFAULT '',
            failed_step_index INTEGER NOT NULL DEFAULT -1,
            failed_step       TEXT NOT NULL DEFAULT '',
            message           TEXT NOT NULL DEFAULT '',
            steps_completed   INTEGER NOT NULL DEFAULT 0,
            started_at        TIMESTAMPTZ NOT NULL,
            elapsed_ms        BIGINT NOT NULL,
            recorded_at       TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateIndex = `
        CREATE INDEX IF NOT EXISTS rotation_history_site_started_idx
            ON rotation_history (site_key, started_at DESC);
    `
	sqlInsert = `
        INSERT INTO rotation_history (execution_id, site_key, status, error_kind, failed_step_index,
            failed_step, message, steps_completed, started_at, elapsed_ms, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (execution_id) DO NOTHING;
    `
	sqlHistory = `
        SELECT execution_id, site_key, status, error_kind, failed_step_index,
            failed_step, message, steps_completed, started_at, elapsed_ms
        FROM rotation_history
        WHERE ($1 = '' OR site_key = $1)
        ORDER BY started_at DESC
        LIMIT $2;
    `
)

// Store persists execution results to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the history table and its index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range []string{sqlCreateTable, sqlCreateIndex} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Record inserts one execution result. Re-recording the same execution is a no-op.
func (s *Store) Record(ctx context.Context, res schemas.ExecutionResult) error {
	if res.ExecutionID == "" {
		return fmt.Errorf("cannot record a result without an execution id")
	}
	_, err := s.pool.Exec(ctx, sqlInsert,
		res.ExecutionID, res.SiteKey, string(res.Status), string(res.ErrorKind), res.FailedStepIndex,
		res.FailedStep, res.Message, res.StepsCompleted,
		res.StartedAt.UTC(), res.Elapsed.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history for execution %s: %w", res.ExecutionID, err)
	}
	s.log.Debug("Recorded execution.", zap.String("execution_id", res.ExecutionID), zap.String("site", res.SiteKey))
	return nil
}

// History returns up to limit results, newest first. An empty siteKey
// matches every site.
func (s *Store) History(ctx context.Context, siteKey string, limit int) ([]schemas.ExecutionResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlHistory, siteKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []schemas.ExecutionResult
	for rows.Next() {
		var (
			res               schemas.ExecutionResult
			status, errorKind string
			elapsedMs         int64
		)
		if err := rows.Scan(
			&res.ExecutionID, &res.SiteKey, &status, &errorKind, &res.FailedStepIndex,
			&res.FailedStep, &res.Message, &res.StepsCompleted, &res.StartedAt, &elapsedMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		res.Status = schemas.ExecutionStatus(status)
		res.ErrorKind = schemas.ErrorKind(errorKind)
		res.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
