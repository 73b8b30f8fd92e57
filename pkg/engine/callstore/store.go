// Package callstore persists one record per call to Postgres. The engine
// treats persistence as best-effort observability: a failed write is logged,
// never fatal to the call.
package callstore

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicebridge/voicebridge/pkg/engine/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a pgx-backed session.CallStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("callstore migrate: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("callstore migrate: %w", err)
	}
	return nil
}

// BeginCall inserts the call's initial record.
func (s *Store) BeginCall(ctx context.Context, rec session.CallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_id, channel_id, direction, context, provider, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO NOTHING`,
		rec.CallID, rec.ChannelID, rec.Direction, rec.Context, rec.Provider, rec.StartedAt)
	return err
}

// EndCall finalizes the call's record with its outcome.
func (s *Store) EndCall(ctx context.Context, callID, outcome string, bargeIns int, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET outcome = $2, barge_ins = $3, ended_at = $4
		WHERE call_id = $1`,
		callID, outcome, bargeIns, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("call record missing at end", "call_id", callID)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
