package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ybryx/memcore/internal/memory"
)

const recordColumns = `id, user_id, session_id, agent_name, operation_type,
	memory_type, content, COALESCE(vector_ref, ''), vector_state, tags, retain, created_at`

// InsertMemoryLog appends a memory row and returns its id.
func (s *Store) InsertMemoryLog(ctx context.Context, rec *memory.Record) (int64, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO memory_logs
			(user_id, session_id, agent_name, operation_type, memory_type,
			 content, vector_state, tags, retain, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		rec.UserID, rec.SessionID, rec.AgentName, rec.OperationType,
		string(rec.MemoryType), rec.Content, string(rec.VectorState),
		tags, rec.Retain, createdAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory log: %w", err)
	}
	return id, nil
}

// ConfirmVector records the vector reference and moves the row from pending
// to committed. A no-op on rows already confirmed makes retries safe.
func (s *Store) ConfirmVector(ctx context.Context, rowID int64, vectorRef string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE memory_logs SET vector_ref = $2, vector_state = 'committed'
		WHERE id = $1 AND vector_state IN ('pending', 'committed')`, rowID, vectorRef)
	if err != nil {
		return fmt.Errorf("confirm vector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// MarkDecayed soft-deletes a row. Idempotent.
func (s *Store) MarkDecayed(ctx context.Context, rowID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE memory_logs SET vector_state = 'decayed'
		WHERE id = $1`, rowID)
	if err != nil {
		return fmt.Errorf("mark decayed: %w", err)
	}
	return nil
}

// RecentEvents returns the newest non-decayed write rows for a session,
// bounded by count and window, oldest first.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int, window time.Duration) ([]memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_logs
		WHERE session_id = $1
		  AND operation_type = 'write'
		  AND vector_state <> 'decayed'
		  AND created_at > $2
		ORDER BY id DESC
		LIMIT $3`,
		sessionID, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to oldest-first for prompt assembly order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// CommittedByVectorRefs returns only committed rows for the given refs.
// Pending and decayed rows are excluded here so recall never sees them.
func (s *Store) CommittedByVectorRefs(ctx context.Context, userID string, refs []string) ([]memory.Record, error) {
	if len(refs) == 0 {
		return []memory.Record{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_logs
		WHERE user_id = $1
		  AND vector_state = 'committed'
		  AND vector_ref = ANY($2)`,
		userID, refs)
	if err != nil {
		return nil, fmt.Errorf("committed by refs: %w", err)
	}
	return scanRecords(rows)
}

// LatestSummary returns the newest committed goal or belief content for the
// session, for implicit context recall.
func (s *Store) LatestSummary(ctx context.Context, userID, sessionID string) (string, error) {
	var content string
	err := s.db.QueryRow(ctx, `
		SELECT content FROM memory_logs
		WHERE user_id = $1 AND session_id = $2
		  AND vector_state = 'committed'
		  AND tags && ARRAY['goal','belief']
		ORDER BY id DESC
		LIMIT 1`, userID, sessionID).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", memory.ErrNotFound
		}
		return "", fmt.Errorf("latest summary: %w", err)
	}
	return content, nil
}

// ScanDecayable pages non-decayed rows older than cutoff, ordered by id so a
// resumed sweep continues from its cursor.
func (s *Store) ScanDecayable(ctx context.Context, userID, agentName string, cutoff time.Time, afterID int64, limit int) ([]memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_logs
		WHERE user_id = $1
		  AND ($2 = '' OR agent_name = $2)
		  AND vector_state <> 'decayed'
		  AND created_at < $3
		  AND id > $4
		ORDER BY id
		LIMIT $5`,
		userID, agentName, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan decayable: %w", err)
	}
	return scanRecords(rows)
}

// StalePending returns pending rows created before cutoff, for the repair
// pass.
func (s *Store) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_logs
		WHERE vector_state = 'pending' AND created_at < $1
		ORDER BY id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}
	return scanRecords(rows)
}

// ListUsers returns distinct user ids with live memory rows.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT user_id FROM memory_logs
		WHERE vector_state <> 'decayed'`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanRecords(rows pgx.Rows) ([]memory.Record, error) {
	defer rows.Close()

	var recs []memory.Record
	for rows.Next() {
		var rec memory.Record
		var memType, state string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.AgentName,
			&rec.OperationType, &memType, &rec.Content, &rec.VectorRef,
			&state, &rec.Tags, &rec.Retain, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.MemoryType = memory.Type(memType)
		rec.VectorState = memory.VectorState(state)
		recs = append(recs, rec)
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	return recs, rows.Err()
}
