package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/store"
)

// Agents.

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []*store.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agents": agents})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var record store.AgentRecord
	if !decodeBody(w, r, &record) {
		return
	}
	if err := s.store.CreateAgent(r.Context(), &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "agent": record})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": record})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var record store.AgentRecord
	if !decodeBody(w, r, &record) {
		return
	}
	record.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateAgent(r.Context(), &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": record})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Flows.

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flows == nil {
		flows = []*store.FlowRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "flows": flows})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var record store.FlowRecord
	if !decodeBody(w, r, &record) {
		return
	}
	if _, err := flow.ParseFlowConfig(record.Definition); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow definition: "+err.Error())
		return
	}
	if err := s.store.CreateFlow(r.Context(), &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "flow": record})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetFlow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "flow": record})
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	var record store.FlowRecord
	if !decodeBody(w, r, &record) {
		return
	}
	record.ID = chi.URLParam(r, "id")
	if _, err := flow.ParseFlowConfig(record.Definition); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow definition: "+err.Error())
		return
	}
	if err := s.store.UpdateFlow(r.Context(), &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "flow": record})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFlow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Tools.

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tools": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tools":   s.tools.List(r.URL.Query().Get("type")),
	})
}

func (s *Server) handleResetToolScore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.tools == nil {
		writeError(w, http.StatusNotFound, "tool not found: "+name)
		return
	}
	if err := s.tools.ResetToolScore(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tool": name})
}

// MCP servers.

func (s *Server) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListMCPServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if servers == nil {
		servers = []*store.MCPServerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "servers": servers})
}

func (s *Server) handleAddMCPServer(w http.ResponseWriter, r *http.Request) {
	var record store.MCPServerRecord
	if !decodeBody(w, r, &record) {
		return
	}
	record.Enabled = true
	if err := s.store.SaveMCPServer(r.Context(), &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.mcp != nil {
		cfg := config.MCPServerConfig{
			Name:      record.Name,
			Transport: record.Transport,
			Command:   record.Command,
			Args:      record.Args,
			Env:       record.Env,
			URL:       record.URL,
		}
		cfg.SetDefaults()
		if err := s.mcp.AddServer(cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "server": record})
}

func (s *Server) handleRemoveMCPServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.DeleteMCPServer(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.mcp != nil {
		s.mcp.RemoveServer(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMCPTools(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeError(w, http.StatusNotFound, "mcp is not configured")
		return
	}
	descriptors, err := s.mcp.GetTools(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tools": descriptors})
}
