package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is one client message on the socket. The session is fixed by
// the URL; the message picks the agent per turn.
type wsInbound struct {
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	AgentName string         `json:"agent_name"`
	Context   map[string]any `json:"context,omitempty"`
}

// handleWebSocket carries the same chunk JSON as SSE over a bi-directional
// socket. Each inbound message runs one agent turn; chunks stream back as
// they are produced.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	s.metrics.SocketOpened()
	defer s.metrics.SocketClosed()

	ctx := r.Context()
	for {
		var inbound wsInbound
		if err := conn.ReadJSON(&inbound); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}

		run, _, msg := s.prepareChat(ctx, &chatRequest{
			UserID:    inbound.UserID,
			Message:   inbound.Message,
			SessionID: sessionID,
			AgentName: inbound.AgentName,
			Context:   inbound.Context,
		})
		if run == nil {
			if !s.writeSocketChunk(conn, protocol.NewChunk(protocol.ChunkTypeError, msg)) {
				return
			}
			continue
		}

		started := time.Now()
		chunks, err := run.agent.ProcessMessageStream(ctx, run.request)
		if err != nil {
			s.metrics.RecordAgentCall(run.agentName, time.Since(started), true)
			if !s.writeSocketChunk(conn, protocol.NewChunk(protocol.ChunkTypeError, err.Error())) {
				return
			}
			continue
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
			if !s.writeSocketChunk(conn, chunk) {
				return
			}
		}
		s.metrics.RecordAgentCall(run.agentName, time.Since(started), failed)

		if finalContent != "" || !failed {
			s.persistOutcome(ctx, run, finalContent, toolsUsed)
		}
	}
}

func (s *Server) writeSocketChunk(conn *websocket.Conn, chunk protocol.Chunk) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return false
	}
	if err := conn.WriteJSON(chunk); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
