package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ybryx/memcore/internal/memory"
)

// EnsureSession finds the session row for sessionID or creates it. A later
// agent name never overwrites the one recorded at creation.
func (s *Store) EnsureSession(ctx context.Context, userID, sessionID, agentName string) (*memory.Session, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (user_id, session_id, agent_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING id, user_id, session_id, agent_name, status, started_at, ended_at`,
		userID, sessionID, agentName)
	return scanSession(row)
}

// GetSession returns the session for the external id, or memory.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, session_id, agent_name, status, started_at, ended_at
		FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	return sess, err
}

// CloseSession sets a terminal status and the end timestamp.
func (s *Store) CloseSession(ctx context.Context, sessionID, status string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET status = $2, ended_at = now()
		WHERE session_id = $1 AND status = 'active'`, sessionID, status)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*memory.Session, error) {
	var sess memory.Session
	var endedAt *time.Time
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.SessionID, &sess.AgentName,
		&sess.Status, &sess.StartedAt, &endedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.EndedAt = endedAt
	return &sess, nil
}
