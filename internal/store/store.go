package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool and implements the coordinator's
// relational port.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// InitSchema creates the tables if they do not exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE,
			agent_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id)`,

		`CREATE TABLE IF NOT EXISTS memory_logs (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			operation_type TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			vector_ref TEXT,
			vector_state TEXT NOT NULL DEFAULT 'none',
			tags TEXT[] NOT NULL DEFAULT '{}',
			retain BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memlogs_session ON memory_logs (session_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memlogs_user_state ON memory_logs (user_id, vector_state)`,
		`CREATE INDEX IF NOT EXISTS idx_memlogs_vector_ref ON memory_logs (vector_ref) WHERE vector_ref IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_memlogs_pending ON memory_logs (created_at) WHERE vector_state = 'pending'`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs (user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS agent_executions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL UNIQUE,
			input_payload JSONB,
			output_payload JSONB,
			status TEXT NOT NULL DEFAULT 'running',
			error_details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS decay_cursors (
			user_id TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			last_swept_at TIMESTAMPTZ NOT NULL,
			last_row_id BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, agent_name)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("schema initialized")
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
