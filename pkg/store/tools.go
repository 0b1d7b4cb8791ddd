package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToolScore is the persisted scoring state for one tool.
type ToolScore struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	IsAvailable bool    `json:"is_available"`
}

// SaveToolScore upserts the score row for a tool.
func (s *Store) SaveToolScore(ctx context.Context, name string, score float64, available bool) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	update := s.rebind(`UPDATE tools SET score = ?, is_available = ?, updated_at = ? WHERE name = ?`)
	result, err := s.db.ExecContext(ctx, update, score, available, nowUTC(), name)
	if err != nil {
		return fmt.Errorf("failed to update tool score: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	insert := s.rebind(`INSERT INTO tools (name, score, is_available, updated_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert, name, score, available, nowUTC()); err != nil {
		return fmt.Errorf("failed to insert tool score: %w", err)
	}
	return nil
}

// GetToolScore returns the persisted score, or nil when the tool has none.
func (s *Store) GetToolScore(ctx context.Context, name string) (*ToolScore, error) {
	query := s.rebind(`SELECT name, score, is_available FROM tools WHERE name = ?`)

	var score ToolScore
	err := s.db.QueryRowContext(ctx, query, name).Scan(&score.Name, &score.Score, &score.IsAvailable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool score: %w", err)
	}
	return &score, nil
}

func (s *Store) ListToolScores(ctx context.Context) ([]*ToolScore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, score, is_available FROM tools ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool scores: %w", err)
	}
	defer rows.Close()

	var scores []*ToolScore
	for rows.Next() {
		var score ToolScore
		if err := rows.Scan(&score.Name, &score.Score, &score.IsAvailable); err != nil {
			return nil, err
		}
		scores = append(scores, &score)
	}
	return scores, rows.Err()
}
