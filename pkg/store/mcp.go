package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MCPServerRecord is a stored MCP server registration.
type MCPServerRecord struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Store) SaveMCPServer(ctx context.Context, record *MCPServerRecord) error {
	if record == nil || record.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = nowUTC()
	}

	args, err := marshalStringList(record.Args)
	if err != nil {
		return err
	}
	var env any
	if len(record.Env) > 0 {
		data, err := json.Marshal(record.Env)
		if err != nil {
			return fmt.Errorf("failed to marshal env: %w", err)
		}
		env = string(data)
	}

	update := s.rebind(`UPDATE mcp_servers SET transport = ?, command = ?, args = ?, env = ?, url = ?, enabled = ? WHERE name = ?`)
	result, err := s.db.ExecContext(ctx, update,
		record.Transport, nullable(record.Command), args, env,
		nullable(record.URL), record.Enabled, record.Name)
	if err != nil {
		return fmt.Errorf("failed to update mcp server: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	insert := s.rebind(`INSERT INTO mcp_servers (name, transport, command, args, env, url, enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert,
		record.Name, record.Transport, nullable(record.Command), args, env,
		nullable(record.URL), record.Enabled, record.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert mcp server: %w", err)
	}
	return nil
}

func (s *Store) ListMCPServers(ctx context.Context) ([]*MCPServerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, transport, command, args, env, url, enabled, created_at FROM mcp_servers ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var records []*MCPServerRecord
	for rows.Next() {
		var record MCPServerRecord
		var command, args, env, url sql.NullString
		if err := rows.Scan(&record.Name, &record.Transport, &command, &args, &env,
			&url, &record.Enabled, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.Command = command.String
		record.Args = unmarshalStringList(args.String)
		record.URL = url.String
		if env.String != "" {
			_ = json.Unmarshal([]byte(env.String), &record.Env)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *Store) DeleteMCPServer(ctx context.Context, name string) error {
	query := s.rebind(`DELETE FROM mcp_servers WHERE name = ?`)
	_, err := s.db.ExecContext(ctx, query, name)
	return err
}
