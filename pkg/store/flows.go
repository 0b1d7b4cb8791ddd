package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowRecord stores a flow graph definition as raw JSON; pkg/flow parses it.
type FlowRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Definition  string    `json:"definition"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) CreateFlow(ctx context.Context, flow *FlowRecord) error {
	if flow == nil {
		return fmt.Errorf("flow cannot be nil")
	}
	if flow.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if flow.Definition == "" {
		return fmt.Errorf("flow definition is required")
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	now := nowUTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	query := s.rebind(`INSERT INTO flows (id, name, description, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		flow.ID, flow.Name, nullable(flow.Description), flow.Definition,
		flow.CreatedAt, flow.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}
	return nil
}

func (s *Store) UpdateFlow(ctx context.Context, flow *FlowRecord) error {
	if flow == nil || flow.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	flow.UpdatedAt = nowUTC()

	query := s.rebind(`UPDATE flows SET name = ?, description = ?, definition = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query,
		flow.Name, nullable(flow.Description), flow.Definition, flow.UpdatedAt, flow.ID)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("flow '%s' not found", flow.ID)
	}
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	query := s.rebind(`SELECT id, name, description, definition, created_at, updated_at FROM flows WHERE id = ?`)

	var flow FlowRecord
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&flow.ID, &flow.Name, &description, &flow.Definition,
		&flow.CreatedAt, &flow.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	flow.Description = description.String
	return &flow, nil
}

func (s *Store) ListFlows(ctx context.Context) ([]*FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, definition, created_at, updated_at FROM flows ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []*FlowRecord
	for rows.Next() {
		var flow FlowRecord
		var description sql.NullString
		if err := rows.Scan(&flow.ID, &flow.Name, &description, &flow.Definition,
			&flow.CreatedAt, &flow.UpdatedAt); err != nil {
			return nil, err
		}
		flow.Description = description.String
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}

func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM flows WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}
