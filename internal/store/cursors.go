package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ybryx/memcore/internal/memory"
)

// GetDecayCursor returns the sweep checkpoint for (user, agent), or
// memory.ErrNotFound before the first sweep.
func (s *Store) GetDecayCursor(ctx context.Context, userID, agentName string) (*memory.DecayCursor, error) {
	cur := &memory.DecayCursor{UserID: userID, AgentName: agentName}
	err := s.db.QueryRow(ctx, `
		SELECT last_swept_at, last_row_id FROM decay_cursors
		WHERE user_id = $1 AND agent_name = $2`,
		userID, agentName).Scan(&cur.LastSweptAt, &cur.LastRowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("get decay cursor: %w", err)
	}
	return cur, nil
}

// SaveDecayCursor upserts the sweep checkpoint.
func (s *Store) SaveDecayCursor(ctx context.Context, cur *memory.DecayCursor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO decay_cursors (user_id, agent_name, last_swept_at, last_row_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, agent_name) DO UPDATE SET
			last_swept_at = EXCLUDED.last_swept_at,
			last_row_id = EXCLUDED.last_row_id`,
		cur.UserID, cur.AgentName, cur.LastSweptAt, cur.LastRowID)
	if err != nil {
		return fmt.Errorf("save decay cursor: %w", err)
	}
	return nil
}
