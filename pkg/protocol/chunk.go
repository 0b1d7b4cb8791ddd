// Package protocol defines the stream chunk model shared by agents, the flow
// engine and the HTTP surface. Every incremental result produced during a
// chat request is a Chunk; the SSE and WebSocket writers serialize chunks
// verbatim.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ChunkType enumerates the kinds of chunks a stream may carry.
type ChunkType string

const (
	ChunkTypeContent         ChunkType = "content"
	ChunkTypeToolResult      ChunkType = "tool_result"
	ChunkTypeToolError       ChunkType = "tool_error"
	ChunkTypeNodeStart       ChunkType = "node_start"
	ChunkTypeNodeComplete    ChunkType = "node_complete"
	ChunkTypeNodeError       ChunkType = "node_error"
	ChunkTypeFlowNodesExtend ChunkType = "flow_nodes_extend"
	ChunkTypeFinal           ChunkType = "final"
	ChunkTypeDone            ChunkType = "done"
	ChunkTypeError           ChunkType = "error"
)

// Well-known metadata keys. Metadata is an open map; these constants name the
// keys producers agree on.
const (
	MetaNodeID             = "node_id"
	MetaNodeCategory       = "node_category"
	MetaNodeImplementation = "node_implementation"
	MetaNodeType           = "node_type"
	MetaNodeName           = "node_name"
	MetaNodeLabel          = "node_label"
	MetaToolName           = "tool_name"
	MetaToolResult         = "tool_result"
	MetaOutput             = "output"
	MetaStatus             = "status"
	MetaError              = "error"
	MetaSelectedBranch     = "selected_branch"
	MetaField              = "field"
	MetaFieldValue         = "field_value"
	MetaToolsUsed          = "tools_used"
	MetaIsFinal            = "is_final"
	MetaCompositeNodeID    = "composite_node_id"

	// Planner-only keys.
	MetaPlannerNodeID        = "planner_node_id"
	MetaPlannerNextNodeID    = "planner_next_node_id"
	MetaRetryPlannerNodeID   = "retry_planner_node_id"
	MetaRetryIndex           = "retry_index"
	MetaNodes                = "nodes"
	MetaEdges                = "edges"
	MetaRemovePlannerEdge    = "remove_planner_edge"
	MetaReplaceExistingNodes = "replace_existing_nodes"
	MetaIsRetry              = "is_retry"
	MetaRootPlannerNodeID    = "root_planner_node_id"
)

// Chunk is one incremental unit of a streaming response.
type Chunk struct {
	ChunkID   string         `json:"chunk_id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      ChunkType      `json:"type"`
	Content   string         `json:"content"`
	AgentName string         `json:"agent_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsEnd     bool           `json:"is_end"`
}

// NewChunk creates a chunk with a fresh id.
func NewChunk(chunkType ChunkType, content string) Chunk {
	return Chunk{
		ChunkID: uuid.New().String(),
		Type:    chunkType,
		Content: content,
	}
}

// WithMeta returns a copy of the chunk with the key set. The receiver's map
// is not shared with the copy.
func (c Chunk) WithMeta(key string, value any) Chunk {
	meta := make(map[string]any, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[key] = value
	c.Metadata = meta
	return c
}

// MetaString reads a string metadata value, returning "" when absent or of a
// different type.
func (c Chunk) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}

// MessageType enumerates stored chat message types.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
	MessageTypeTool      MessageType = "tool"
)

// Message is a conversational message, both the unit the flow engine returns
// in synchronous mode and the unit persisted per session.
type Message struct {
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	AgentName string         `json:"agent_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(msgType MessageType, content string) Message {
	return Message{
		MessageID: uuid.New().String(),
		Type:      msgType,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
