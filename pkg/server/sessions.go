package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		SessionName string `json:"session_name,omitempty"`
		AgentID     string `json:"agent_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := s.store.CreateSession(r.Context(), req.UserID, req.AgentID, req.SessionName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "session": session})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sessionMessage is a stored message expanded with its flow node records.
type sessionMessage struct {
	*store.Message
	Nodes []*store.MessageNode `json:"nodes,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "session_id")

	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	expanded := make([]sessionMessage, 0, len(messages))
	for _, message := range messages {
		entry := sessionMessage{Message: message}
		nodes, err := s.store.ListMessageNodes(ctx, message.ID)
		if err != nil {
			slog.Warn("failed to load message nodes", "message_id", message.ID, "error", err)
		} else {
			entry.Nodes = nodes
		}
		expanded = append(expanded, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": expanded})
}
