package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent types.
const (
	AgentTypeGeneral    = "general"
	AgentTypeFlowDriven = "flow_driven"
	AgentTypeChat       = "chat"
)

type AgentRecord struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	AgentType           string    `json:"agent_type"`
	SystemPrompt        string    `json:"system_prompt,omitempty"`
	BoundTools          []string  `json:"bound_tools,omitempty"`
	BoundKnowledgeBases []string  `json:"bound_knowledge_bases,omitempty"`
	FlowID              string    `json:"flow_id,omitempty"`
	LLMConfigID         string    `json:"llm_config_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (s *Store) CreateAgent(ctx context.Context, agent *AgentRecord) error {
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	if agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	switch agent.AgentType {
	case AgentTypeGeneral, AgentTypeFlowDriven, AgentTypeChat:
	default:
		return fmt.Errorf("unsupported agent_type: %s", agent.AgentType)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := nowUTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	tools, err := marshalStringList(agent.BoundTools)
	if err != nil {
		return err
	}
	kbs, err := marshalStringList(agent.BoundKnowledgeBases)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO agents (id, name, description, agent_type, system_prompt, bound_tools, bound_knowledge_bases, flow_id, llm_config_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, nullable(agent.Description), agent.AgentType,
		nullable(agent.SystemPrompt), tools, kbs,
		nullable(agent.FlowID), nullable(agent.LLMConfigID),
		agent.CreatedAt, agent.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent *AgentRecord) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	agent.UpdatedAt = nowUTC()

	tools, err := marshalStringList(agent.BoundTools)
	if err != nil {
		return err
	}
	kbs, err := marshalStringList(agent.BoundKnowledgeBases)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE agents SET name = ?, description = ?, agent_type = ?, system_prompt = ?, bound_tools = ?, bound_knowledge_bases = ?, flow_id = ?, llm_config_id = ?, updated_at = ?
WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query,
		agent.Name, nullable(agent.Description), agent.AgentType,
		nullable(agent.SystemPrompt), tools, kbs,
		nullable(agent.FlowID), nullable(agent.LLMConfigID),
		agent.UpdatedAt, agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("agent '%s' not found", agent.ID)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := s.rebind(agentSelect + ` WHERE id = ?`)
	return s.scanAgent(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*AgentRecord, error) {
	query := s.rebind(agentSelect + ` WHERE name = ?`)
	return s.scanAgent(s.db.QueryRowContext(ctx, query, name))
}

const agentSelect = `SELECT id, name, description, agent_type, system_prompt, bound_tools, bound_knowledge_bases, flow_id, llm_config_id, created_at, updated_at FROM agents`

func (s *Store) scanAgent(row *sql.Row) (*AgentRecord, error) {
	var agent AgentRecord
	var description, systemPrompt, tools, kbs, flowID, llmID sql.NullString
	err := row.Scan(&agent.ID, &agent.Name, &description, &agent.AgentType,
		&systemPrompt, &tools, &kbs, &flowID, &llmID,
		&agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	agent.Description = description.String
	agent.SystemPrompt = systemPrompt.String
	agent.BoundTools = unmarshalStringList(tools.String)
	agent.BoundKnowledgeBases = unmarshalStringList(kbs.String)
	agent.FlowID = flowID.String
	agent.LLMConfigID = llmID.String
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var agent AgentRecord
		var description, systemPrompt, tools, kbs, flowID, llmID sql.NullString
		if err := rows.Scan(&agent.ID, &agent.Name, &description, &agent.AgentType,
			&systemPrompt, &tools, &kbs, &flowID, &llmID,
			&agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, err
		}
		agent.Description = description.String
		agent.SystemPrompt = systemPrompt.String
		agent.BoundTools = unmarshalStringList(tools.String)
		agent.BoundKnowledgeBases = unmarshalStringList(kbs.String)
		agent.FlowID = flowID.String
		agent.LLMConfigID = llmID.String
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM agents WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func marshalStringList(list []string) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
