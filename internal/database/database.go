// Package database persists resolved tasks: successful results land in
// report_rows and permanent failures in the failed_urls review queue. The
// sink is idempotent keyed on URL, so a replayed resolution after a crash
// updates in place instead of duplicating.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
)

// DB is the subset of pgxpool.Pool the sink needs. pgxmock implements it for
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Sink implements batch.ResultSink on PostgreSQL.
//
// It assumes the schema:
//
//	CREATE TABLE report_rows (
//	    url         TEXT PRIMARY KEY,
//	    status_code INT NOT NULL,
//	    payload     JSONB,
//	    duration_ms BIGINT NOT NULL,
//	    fetched_at  TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE failed_urls (
//	    url           TEXT PRIMARY KEY,
//	    failure_class TEXT NOT NULL,
//	    error_text    TEXT,
//	    failed_at     TIMESTAMPTZ NOT NULL
//	);
type Sink struct {
	db     DB
	logger *zap.Logger
}

// NewSink connects a pool and pings it to verify the DSN before use.
func NewSink(ctx context.Context, dsn string, logger *zap.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSinkWithDB(pool, logger), nil
}

// NewSinkWithDB wraps an existing pool (or a mock).
func NewSinkWithDB(db DB, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{db: db, logger: logger}
}

const upsertResult = `
INSERT INTO report_rows (url, status_code, payload, duration_ms, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url) DO UPDATE SET
    status_code = EXCLUDED.status_code,
    payload     = EXCLUDED.payload,
    duration_ms = EXCLUDED.duration_ms,
    fetched_at  = EXCLUDED.fetched_at
`

// OnSuccess upserts the processed result keyed on URL and clears any stale
// entry from the review queue.
func (s *Sink) OnSuccess(ctx context.Context, url string, result batch.Result) error {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if _, err := s.db.Exec(ctx, upsertResult,
		url,
		result.StatusCode,
		payload,
		result.Duration.Milliseconds(),
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert result row: %w", err)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM failed_urls WHERE url = $1`, url); err != nil {
		// The result row is durable; a stale review entry is only noise.
		s.logger.Warn("clear review queue entry failed", zap.String("url", url), zap.Error(err))
	}
	return nil
}

const upsertFailure = `
INSERT INTO failed_urls (url, failure_class, error_text, failed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO UPDATE SET
    failure_class = EXCLUDED.failure_class,
    error_text    = EXCLUDED.error_text,
    failed_at     = EXCLUDED.failed_at
`

// OnPermanentFailure records the URL in the review queue for manual triage.
func (s *Sink) OnPermanentFailure(ctx context.Context, url string, class batch.FailureClass, errText string) error {
	if _, err := s.db.Exec(ctx, upsertFailure,
		url,
		string(class),
		errText,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert failed url: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.db.Close()
}
