package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/embedders"
	"github.com/loomworks/loom/pkg/kg"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/rag"
	"github.com/loomworks/loom/pkg/server"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// ServeCmd runs the server until interrupted, rebuilding it when the config
// file changes on disk.
type ServeCmd struct {
	Host string `help:"Bind host (overrides config)."`
	Port int    `help:"Bind port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := make(chan struct{}, 1)
	if cli.Config != "" {
		watcher, err := watchConfig(cli.Config, reload)
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	for {
		cfg, err := config.Load(cli.Config)
		if err != nil {
			return err
		}
		if c.Host != "" {
			cfg.Server.Host = c.Host
		}
		if c.Port != 0 {
			cfg.Server.Port = c.Port
		}

		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-reload:
				slog.Info("config changed, restarting server", "path", cli.Config)
				cancel()
			case <-runCtx.Done():
			}
		}()

		err = c.serve(runCtx, cfg)
		cancel()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
			// Reload triggered; loop and rebuild.
		}
	}
}

func (c *ServeCmd) serve(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	llm, err := buildLLM(cfg)
	if err != nil {
		return err
	}
	if llm != nil {
		defer llm.Close()
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	if embedder != nil {
		defer embedder.Close()
	}

	vectors, err := databases.NewDatabaseRegistry().CreateFromConfig("default", &cfg.Vector)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer vectors.Close()

	registry := tools.NewRegistry(&cfg.Tools, db)
	if err := tools.RegisterBuiltins(registry, &cfg.Tools); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	helper := mcp.NewHelper(cfg.MCP)
	defer helper.Close()
	registerMCPTools(ctx, helper, registry, db)

	var graph *kg.Service
	if cfg.Graph.Enabled {
		opts := []kg.Option{}
		if llm != nil {
			opts = append(opts, kg.WithLLM(llm))
		}
		if cfg.Graph.NERServiceURL != "" {
			opts = append(opts, kg.WithNER(kg.NewNERClient(cfg.Graph.NERServiceURL)))
		}
		graph, err = kg.NewService(&cfg.Graph, db, opts...)
		if err != nil {
			return fmt.Errorf("failed to build knowledge graph service: %w", err)
		}
	}

	ragOpts := []rag.Option{}
	if llm != nil {
		ragOpts = append(ragOpts, rag.WithLLM(llm))
	}
	if cfg.Retrieval.RerankerEnabled && cfg.Retrieval.RerankerURL != "" {
		ragOpts = append(ragOpts, rag.WithReranker(rag.NewReranker(cfg.Retrieval.RerankerURL)))
	}
	if graph != nil {
		ragOpts = append(ragOpts, rag.WithGraph(graph))
		if cfg.Graph.ExtractEnabled {
			ragOpts = append(ragOpts, rag.WithExtractor(graph))
		}
	}
	engine, err := rag.NewEngine(&cfg.Retrieval, db, embedder, vectors, ragOpts...)
	if err != nil {
		return fmt.Errorf("failed to build retrieval engine: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Store:   db,
		LLM:     llm,
		Tools:   registry,
		MCP:     helper,
		RAG:     engine,
		KG:      graph,
		Metrics: observability.New(),
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// buildLLM picks the configured provider: "default" when present, otherwise
// the first by name. No configured provider is allowed; agents then fail
// per request instead of at startup.
func buildLLM(cfg *config.Config) (llms.Provider, error) {
	name := pickProvider(keysOf(cfg.LLMs))
	if name == "" {
		slog.Warn("no llm provider configured")
		return nil, nil
	}
	return llms.NewProviderRegistry().CreateFromConfig(name, cfg.LLMs[name])
}

func buildEmbedder(cfg *config.Config) (embedders.Embedder, error) {
	name := pickProvider(keysOf(cfg.Embedders))
	if name == "" {
		slog.Warn("no embedder configured, vector recall disabled")
		return nil, nil
	}
	return embedders.NewEmbedderRegistry().CreateFromConfig(name, cfg.Embedders[name])
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pickProvider(names []string) string {
	for _, name := range names {
		if name == "default" {
			return name
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

// registerMCPTools exposes every reachable MCP server's tools in the
// registry, merging servers persisted through the API with the config file.
func registerMCPTools(ctx context.Context, helper *mcp.Helper, registry *tools.Registry, db *store.Store) {
	records, err := db.ListMCPServers(ctx)
	if err != nil {
		slog.Warn("failed to list persisted mcp servers", "error", err)
	}
	for _, record := range records {
		if !record.Enabled {
			continue
		}
		serverCfg := config.MCPServerConfig{
			Name:      record.Name,
			Transport: record.Transport,
			Command:   record.Command,
			Args:      record.Args,
			Env:       record.Env,
			URL:       record.URL,
		}
		serverCfg.SetDefaults()
		if err := helper.AddServer(serverCfg); err != nil {
			slog.Warn("failed to add mcp server", "server", record.Name, "error", err)
		}
	}

	for _, name := range helper.GetAvailableServices() {
		discovered, err := tools.DiscoverMCPTools(ctx, helper, name)
		if err != nil {
			slog.Warn("mcp discovery failed", "server", name, "error", err)
			continue
		}
		for _, tool := range discovered {
			if err := registry.Register(tool, tools.TypeMCP); err != nil {
				slog.Warn("failed to register mcp tool", "tool", tool.GetName(), "error", err)
			}
		}
	}
}

func watchConfig(path string, reload chan<- struct{}) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case reload <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
