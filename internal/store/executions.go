package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ybryx/memcore/internal/memory"
)

// InsertExecution records an agent execution. A repeated execution_id updates
// the existing row so task retries do not duplicate entries.
func (s *Store) InsertExecution(ctx context.Context, ex *memory.Execution) error {
	input, err := marshalNullable(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalNullable(ex.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	errDetails, err := marshalNullable(ex.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_executions
			(user_id, session_id, agent_name, execution_id,
			 input_payload, output_payload, status, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO UPDATE SET
			output_payload = EXCLUDED.output_payload,
			status = EXCLUDED.status,
			error_details = EXCLUDED.error_details,
			updated_at = now()`,
		ex.UserID, ex.SessionID, ex.AgentName, ex.ExecutionID,
		input, output, ex.Status, errDetails)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
