package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SavePipelineSnapshot upserts the snapshot JSON for one
// (user_id, agent_name, session_id) triple, overwriting in place.
func (s *Store) SavePipelineSnapshot(ctx context.Context, userID, agentName, sessionID, pipelineID, data string) error {
	if userID == "" || agentName == "" || sessionID == "" {
		return fmt.Errorf("snapshot key requires user_id, agent_name and session_id")
	}

	update := s.rebind(`UPDATE pipeline_snapshots SET pipeline_id = ?, data = ?, updated_at = ?
WHERE user_id = ? AND agent_name = ? AND session_id = ?`)
	result, err := s.db.ExecContext(ctx, update, pipelineID, data, nowUTC(), userID, agentName, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	insert := s.rebind(`INSERT INTO pipeline_snapshots (user_id, agent_name, session_id, pipeline_id, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	now := nowUTC()
	if _, err := s.db.ExecContext(ctx, insert, userID, agentName, sessionID, pipelineID, data, now, now); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetPipelineSnapshot returns the snapshot JSON, or empty when none exists.
func (s *Store) GetPipelineSnapshot(ctx context.Context, userID, agentName, sessionID string) (string, error) {
	query := s.rebind(`SELECT data FROM pipeline_snapshots WHERE user_id = ? AND agent_name = ? AND session_id = ?`)

	var data string
	err := s.db.QueryRowContext(ctx, query, userID, agentName, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get snapshot: %w", err)
	}
	return data, nil
}

func (s *Store) DeletePipelineSnapshot(ctx context.Context, userID, agentName, sessionID string) error {
	query := s.rebind(`DELETE FROM pipeline_snapshots WHERE user_id = ? AND agent_name = ? AND session_id = ?`)
	_, err := s.db.ExecContext(ctx, query, userID, agentName, sessionID)
	return err
}
