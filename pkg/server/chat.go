package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/pipeline"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/store"
)

type chatRequest struct {
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	AgentName string         `json:"agent_name"`
	Context   map[string]any `json:"context,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
}

// chatRun is one prepared chat invocation: the resolved agent, its request
// and the identifiers persistence needs.
type chatRun struct {
	agent              agent.Agent
	request            *agent.Request
	session            *store.Session
	agentName          string
	assistantMessageID string
}

// prepareChat validates the request, resolves the agent and session,
// persists the user message and restores the pipeline snapshot. The user
// message is stored before the agent runs so history survives agent
// failures.
func (s *Server) prepareChat(ctx context.Context, req *chatRequest) (*chatRun, int, string) {
	if req.UserID == "" || req.Message == "" || req.AgentName == "" {
		return nil, http.StatusBadRequest, "user_id, message and agent_name are required"
	}

	record, err := s.store.GetAgentByName(ctx, req.AgentName)
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to load agent: " + err.Error()
	}
	if record == nil {
		return nil, http.StatusNotFound, "agent not found: " + req.AgentName
	}

	session, status, msg := s.resolveSession(ctx, req, record.ID)
	if session == nil {
		return nil, status, msg
	}

	userMessage := &store.Message{
		SessionID: session.ID,
		UserID:    req.UserID,
		Role:      string(protocol.MessageTypeUser),
		Content:   req.Message,
		AgentName: req.AgentName,
	}
	if err := s.store.AppendMessage(ctx, userMessage); err != nil {
		slog.Warn("failed to persist user message", "session_id", session.ID, "error", err)
	}
	if session.Title == "" {
		if err := s.store.UpdateSessionTitle(ctx, session.ID, req.Message); err != nil {
			slog.Warn("failed to set session title", "session_id", session.ID, "error", err)
		}
	}

	pipe := s.restorePipeline(ctx, req.UserID, req.AgentName, session.ID)

	instance, err := agent.FromRecord(ctx, record, s.services())
	if err != nil {
		return nil, http.StatusBadRequest, err.Error()
	}

	assistantMessageID := uuid.NewString()
	reqContext := map[string]any{"assistant_message_id": assistantMessageID}
	for k, v := range req.Context {
		reqContext[k] = v
	}

	return &chatRun{
		agent:     instance,
		agentName: req.AgentName,
		session:   session,
		request: &agent.Request{
			UserID:    req.UserID,
			SessionID: session.ID,
			Message:   req.Message,
			Context:   reqContext,
			Pipeline:  pipe,
		},
		assistantMessageID: assistantMessageID,
	}, 0, ""
}

func (s *Server) resolveSession(ctx context.Context, req *chatRequest, agentID string) (*store.Session, int, string) {
	if req.SessionID != "" {
		session, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, http.StatusInternalServerError, "failed to load session: " + err.Error()
		}
		if session == nil {
			return nil, http.StatusNotFound, "session not found: " + req.SessionID
		}
		return session, 0, ""
	}
	session, err := s.store.CreateSession(ctx, req.UserID, agentID, req.Message)
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to create session: " + err.Error()
	}
	return session, 0, ""
}

// restorePipeline loads the persisted snapshot for (user, agent, session).
// A corrupt snapshot is logged and treated as absent.
func (s *Server) restorePipeline(ctx context.Context, userID, agentName, sessionID string) *pipeline.Pipeline {
	raw, err := s.store.GetPipelineSnapshot(ctx, userID, agentName, sessionID)
	if err != nil {
		slog.Warn("failed to load pipeline snapshot", "session_id", sessionID, "error", err)
	}
	if raw != "" {
		pipe, err := pipeline.Restore(raw)
		if err == nil {
			return pipe.WithMemoryStore(s.store)
		}
		slog.Warn("discarding corrupt pipeline snapshot", "session_id", sessionID, "error", err)
	}
	return pipeline.New().WithMemoryStore(s.store)
}

// persistOutcome stores the assistant message and the pipeline snapshot.
// Failures are logged and never surfaced to the client.
func (s *Server) persistOutcome(ctx context.Context, run *chatRun, finalContent string, toolsUsed []string) {
	message := &store.Message{
		ID:        run.assistantMessageID,
		SessionID: run.session.ID,
		UserID:    run.request.UserID,
		Role:      string(protocol.MessageTypeAssistant),
		Content:   finalContent,
		AgentName: run.agentName,
	}
	if len(toolsUsed) > 0 {
		message.Metadata = map[string]any{"tools_used": toolsUsed}
	}
	if err := s.store.AppendMessage(ctx, message); err != nil {
		slog.Warn("failed to persist assistant message", "session_id", run.session.ID, "error", err)
	}

	snapshot, err := run.request.Pipeline.MarshalSnapshot()
	if err != nil {
		slog.Warn("failed to marshal pipeline snapshot", "session_id", run.session.ID, "error", err)
		return
	}
	if err := s.store.SavePipelineSnapshot(ctx, run.request.UserID, run.agentName,
		run.session.ID, run.request.Pipeline.ID(), snapshot); err != nil {
		slog.Warn("failed to save pipeline snapshot", "session_id", run.session.ID, "error", err)
	}
	if err := s.store.TouchSession(ctx, run.session.ID); err != nil {
		slog.Warn("failed to touch session", "session_id", run.session.ID, "error", err)
	}
}

// toolsUsedFrom reads the tools_used metadata off a done chunk.
func toolsUsedFrom(chunk protocol.Chunk) []string {
	raw, ok := chunk.Metadata[protocol.MetaToolsUsed]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var names []string
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}

// handleChat runs the agent to completion and answers with the final
// response in one JSON document.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	run, status, msg := s.prepareChat(ctx, &req)
	if run == nil {
		writeError(w, status, msg)
		return
	}

	started := time.Now()
	chunks, err := run.agent.ProcessMessageStream(ctx, run.request)
	if err != nil {
		s.metrics.RecordAgentCall(run.agentName, time.Since(started), true)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var (
		finalContent string
		toolsUsed    []string
		chatErr      string
	)
	for chunk := range chunks {
		switch chunk.Type {
		case protocol.ChunkTypeFinal:
			finalContent = chunk.Content
		case protocol.ChunkTypeDone:
			if used := toolsUsedFrom(chunk); used != nil {
				toolsUsed = used
			}
		case protocol.ChunkTypeError:
			chatErr = chunk.Content
		}
	}
	s.metrics.RecordAgentCall(run.agentName, time.Since(started), chatErr != "")

	if chatErr != "" && finalContent == "" {
		writeError(w, http.StatusInternalServerError, chatErr)
		return
	}

	s.persistOutcome(ctx, run, finalContent, toolsUsed)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          finalContent,
		"agent_name":       run.agentName,
		"session_id":       run.session.ID,
		"tools_used":       toolsUsed,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"pipeline_context": run.request.Pipeline.ExportForFrontend(),
	})
}

// handleChatStream streams chunks over SSE, one JSON document per event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	run, status, msg := s.prepareChat(ctx, &req)
	if run == nil {
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	started := time.Now()
	chunks, err := run.agent.ProcessMessageStream(ctx, run.request)
	if err != nil {
		s.metrics.RecordAgentCall(run.agentName, time.Since(started), true)
		writeSSE(w, flusher, protocol.NewChunk(protocol.ChunkTypeError, err.Error()))
		return
	}

	var (
		finalContent string
		toolsUsed    []string
		failed       bool
	)
	for chunk := range chunks {
		switch chunk.Type {
		case protocol.ChunkTypeFinal:
			finalContent = chunk.Content
		case protocol.ChunkTypeDone:
			if used := toolsUsedFrom(chunk); used != nil {
				toolsUsed = used
			}
		case protocol.ChunkTypeError:
			failed = true
		}
		if !writeSSE(w, flusher, chunk) {
			return
		}
	}
	s.metrics.RecordAgentCall(run.agentName, time.Since(started), failed)

	if finalContent != "" || !failed {
		s.persistOutcome(ctx, run, finalContent, toolsUsed)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, chunk protocol.Chunk) bool {
	payload, err := json.Marshal(chunk)
	if err != nil {
		slog.Warn("failed to marshal chunk", "error", err)
		return true
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// handlePipelineState returns the persisted pipeline snapshot in frontend
// form. Missing or corrupt snapshots answer with a fresh pipeline.
func (s *Server) handlePipelineState(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("user_id")
	agentName := query.Get("agent_name")
	sessionID := query.Get("session_id")
	if userID == "" || agentName == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id, agent_name and session_id are required")
		return
	}

	pipe := s.restorePipeline(r.Context(), userID, agentName, sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"pipeline_context": pipe.ExportForFrontend(),
	})
}
