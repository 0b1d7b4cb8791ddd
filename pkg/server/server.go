// Package server is the HTTP surface of the runtime: chat (sync, SSE and
// WebSocket), session history, pipeline state, and CRUD for agents, flows,
// tools, MCP servers and knowledge bases.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/kg"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/rag"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// Server wires the runtime's services behind HTTP routes.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	llm     llms.Provider
	tools   *tools.Registry
	mcp     *mcp.Helper
	rag     *rag.Engine
	kg      *kg.Service
	metrics *observability.Metrics

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Options carry the Server's collaborators. Config and Store are required;
// the rest degrade gracefully when absent.
type Options struct {
	Config  *config.Config
	Store   *store.Store
	LLM     llms.Provider
	Tools   *tools.Registry
	MCP     *mcp.Helper
	RAG     *rag.Engine
	KG      *kg.Service
	Metrics *observability.Metrics
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		llm:     opts.LLM,
		tools:   opts.Tools,
		mcp:     opts.MCP,
		rag:     opts.RAG,
		kg:      opts.KG,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is same-process with trusted frontends.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s, nil
}

// services bundles the agent-facing dependencies.
func (s *Server) services() *agent.Services {
	var knowledge flow.KnowledgeSearcher
	if s.rag != nil {
		knowledge = s.rag
	}
	return &agent.Services{
		LLM:       s.llm,
		Tools:     s.tools,
		Knowledge: knowledge,
		Store:     s.store,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.metrics))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/", s.handleChat)
			r.Post("/stream", s.handleChatStream)
			r.Get("/pipeline_state", s.handlePipelineState)

			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{user_id}", s.handleListSessions)
			r.Delete("/sessions/{session_id}", s.handleDeleteSession)
			r.Get("/messages/{session_id}", s.handleListMessages)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Get("/{id}", s.handleGetAgent)
			r.Put("/{id}", s.handleUpdateAgent)
			r.Delete("/{id}", s.handleDeleteAgent)
		})

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", s.handleListFlows)
			r.Post("/", s.handleCreateFlow)
			r.Get("/{id}", s.handleGetFlow)
			r.Put("/{id}", s.handleUpdateFlow)
			r.Delete("/{id}", s.handleDeleteFlow)
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Post("/{name}/reset_score", s.handleResetToolScore)
		})

		r.Route("/mcp", func(r chi.Router) {
			r.Get("/", s.handleListMCPServers)
			r.Post("/", s.handleAddMCPServer)
			r.Delete("/{name}", s.handleRemoveMCPServer)
			r.Get("/{name}/tools", s.handleListMCPTools)
		})

		r.Route("/knowledge_base", func(r chi.Router) {
			r.Get("/", s.handleListKnowledgeBases)
			r.Post("/", s.handleCreateKnowledgeBase)
			r.Get("/{id}", s.handleGetKnowledgeBase)
			r.Delete("/{id}", s.handleDeleteKnowledgeBase)
			r.Post("/{id}/query", s.handleQueryKnowledgeBase)
			r.Get("/{id}/documents", s.handleListDocuments)
			r.Post("/{id}/documents", s.handleCreateDocument)
			r.Post("/{id}/documents/{doc_id}/reingest", s.handleReingestDocument)
		})
	})

	r.Get("/ws/{session_id}", s.handleWebSocket)
	return r
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays at the configured value; zero keeps SSE and
		// WebSocket streams alive indefinitely.
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
