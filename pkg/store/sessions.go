package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID          string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Role        string         `json:"type"`
	Content     string         `json:"content"`
	AgentName   string         `json:"agent_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SequenceNum int64          `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

type MessageNode struct {
	ID          string         `json:"id"`
	MessageID   string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	NodeName    string         `json:"node_name,omitempty"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SequenceNum int64          `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

const sessionTitleMax = 50

// CreateSession stores a new session. Title falls back to the first user
// message, truncated.
func (s *Store) CreateSession(ctx context.Context, userID, agentID, title string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len([]rune(title)) > sessionTitleMax {
		title = string([]rune(title)[:sessionTitleMax])
	}

	now := nowUTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := s.rebind(`INSERT INTO sessions (id, user_id, agent_id, title, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, nullable(session.AgentID), nullable(session.Title),
		session.IsActive, session.CreatedAt, session.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	query := s.rebind(`SELECT id, user_id, agent_id, title, is_active, created_at, updated_at
FROM sessions WHERE id = ?`)

	var session Session
	var agentID, title sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.UserID, &agentID, &title,
		&session.IsActive, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.AgentID = agentID.String
	session.Title = title.String
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	query := s.rebind(`SELECT id, user_id, agent_id, title, is_active, created_at, updated_at
FROM sessions WHERE user_id = ? AND is_active = TRUE ORDER BY updated_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var agentID, title sql.NullString
		if err := rows.Scan(&session.ID, &session.UserID, &agentID, &title,
			&session.IsActive, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		session.AgentID = agentID.String
		session.Title = title.String
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	if len([]rune(title)) > sessionTitleMax {
		title = string([]rune(title)[:sessionTitleMax])
	}
	query := s.rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, title, nowUTC(), id)
	return err
}

func (s *Store) TouchSession(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, nowUTC(), id)
	return err
}

// DeleteSession removes the session with its messages and node records.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM message_nodes WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return tx.Commit()
}

// AppendMessage assigns the next sequence number and stores the message.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowUTC()
	}

	metadataJSON, err := marshalJSONMap(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) FROM messages WHERE session_id = ?`)
	if err = tx.QueryRowContext(ctx, seqQuery, msg.SessionID).Scan(&msg.SequenceNum); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	msg.SequenceNum++

	insertQuery := s.rebind(`INSERT INTO messages (id, session_id, user_id, role, content, agent_name, metadata, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insertQuery,
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content,
		nullable(msg.AgentName), metadataJSON, msg.SequenceNum, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := s.rebind(`SELECT id, session_id, user_id, role, content, agent_name, metadata, sequence_num, created_at
FROM messages WHERE session_id = ? ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var agentName, metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role, &msg.Content,
			&agentName, &metadata, &msg.SequenceNum, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.AgentName = agentName.String
		msg.Metadata = unmarshalJSONMap(metadata.String)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// AppendMessageNode records one flow node execution under a message.
func (s *Store) AppendMessageNode(ctx context.Context, node *MessageNode) error {
	if node == nil {
		return fmt.Errorf("message node cannot be nil")
	}
	if node.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = nowUTC()
	}

	metadataJSON, err := marshalJSONMap(node.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) FROM message_nodes WHERE message_id = ?`)
	if err = tx.QueryRowContext(ctx, seqQuery, node.MessageID).Scan(&node.SequenceNum); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	node.SequenceNum++

	insertQuery := s.rebind(`INSERT INTO message_nodes (id, message_id, session_id, node_id, node_type, node_name, content, metadata, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insertQuery,
		node.ID, node.MessageID, node.SessionID, node.NodeID, node.NodeType,
		nullable(node.NodeName), nullable(node.Content), metadataJSON,
		node.SequenceNum, node.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message node: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListMessageNodes(ctx context.Context, messageID string) ([]*MessageNode, error) {
	query := s.rebind(`SELECT id, message_id, session_id, node_id, node_type, node_name, content, metadata, sequence_num, created_at
FROM message_nodes WHERE message_id = ? ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*MessageNode
	for rows.Next() {
		var node MessageNode
		var nodeName, content, metadata sql.NullString
		if err := rows.Scan(&node.ID, &node.MessageID, &node.SessionID, &node.NodeID, &node.NodeType,
			&nodeName, &content, &metadata, &node.SequenceNum, &node.CreatedAt); err != nil {
			return nil, err
		}
		node.NodeName = nodeName.String
		node.Content = content.String
		node.Metadata = unmarshalJSONMap(metadata.String)
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
