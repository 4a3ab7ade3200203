package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ybryx/memcore/internal/memory"
)

// AppendAudit writes one append-only audit row. Rows are never updated or
// deleted afterwards.
func (s *Store) AppendAudit(ctx context.Context, ev *memory.AuditEvent) error {
	var data []byte
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal audit data: %w", err)
		}
		data = b
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs
			(user_id, session_id, agent_name, event_type, severity, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.UserID, ev.SessionID, ev.AgentName, ev.EventType,
		string(ev.Severity), ev.Message, data, ts)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
