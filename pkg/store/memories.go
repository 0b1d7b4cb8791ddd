package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Memory scopes mirror the pipeline memory namespaces.
const (
	MemoryShortTerm    = "short_term"
	MemoryLongTerm     = "long_term"
	MemorySubconscious = "subconscious"
)

type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id"`
	Scope     string    `json:"scope"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveMemory(ctx context.Context, record *MemoryRecord) error {
	if record == nil || record.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	switch record.Scope {
	case MemoryShortTerm, MemoryLongTerm, MemorySubconscious:
	default:
		return fmt.Errorf("unsupported memory scope: %s", record.Scope)
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = nowUTC()
	}

	query := s.rebind(`INSERT INTO memories (id, user_id, agent_id, scope, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		record.ID, record.UserID, record.AgentID, record.Scope,
		record.Content, record.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// SearchMemories does a substring match over stored memories for one owner.
func (s *Store) SearchMemories(ctx context.Context, userID, agentID, term string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + term + "%"
	query := s.rebind(`SELECT id, user_id, agent_id, scope, content, created_at
FROM memories WHERE user_id = ? AND agent_id = ? AND content LIKE ? ORDER BY created_at DESC LIMIT ` + fmt.Sprint(limit))

	rows, err := s.db.QueryContext(ctx, query, userID, agentID, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	var records []*MemoryRecord
	for rows.Next() {
		var record MemoryRecord
		if err := rows.Scan(&record.ID, &record.UserID, &record.AgentID,
			&record.Scope, &record.Content, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
