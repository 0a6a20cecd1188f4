// Package server provides the public entry point for initializing the
// TaskPilot service.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentoven/taskpilot/internal/api"
	"github.com/agentoven/taskpilot/internal/api/handlers"
	"github.com/agentoven/taskpilot/internal/api/middleware"
	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/clarify"
	"github.com/agentoven/taskpilot/internal/config"
	"github.com/agentoven/taskpilot/internal/guardrails"
	"github.com/agentoven/taskpilot/internal/llm"
	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/orchestrator"
	"github.com/agentoven/taskpilot/internal/planner"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/resolver"
	"github.com/agentoven/taskpilot/internal/retention"
	"github.com/agentoven/taskpilot/internal/routing"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/internal/telemetry"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized TaskPilot service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (memory or SQLite).
	Store store.Store

	// Orchestrator runs conversation turns.
	Orchestrator *orchestrator.Orchestrator

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	closers []func() error
	// shutdownTelemetry flushes pending spans.
	shutdownTelemetry func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv := &Server{Config: cfg, Port: cfg.Port, shutdownTelemetry: shutdown}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	srv.Store = dataStore
	srv.closers = append(srv.closers, dataStore.Close)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(promReg)

	inv, closeInv := openBackend(cfg)
	if closeInv != nil {
		srv.closers = append(srv.closers, closeInv)
	}

	reg := toolreg.NewDefault(models.ToolClass(cfg.Tools.UnknownClass))
	if cfg.Tools.RegistryFile != "" {
		n, err := toolreg.LoadFile(reg, cfg.Tools.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("load tool registry: %w", err)
		}
		log.Info().Int("entries", n).Str("file", cfg.Tools.RegistryFile).Msg("Tool registry overrides loaded")
	}

	catalog := backend.NewCatalog(inv, reg)
	if n, err := catalog.Sync(ctx); err != nil {
		// the catalog retries lazily; the backend may come up later
		log.Warn().Err(err).Str("backend", cfg.Backend.URL).Msg("Tool catalog sync failed")
	} else {
		log.Info().Int("tools", n).Msg("✅ Tool catalog synced")
	}

	providers, err := buildProviders(cfg.LLM)
	if err != nil {
		return nil, err
	}
	llmRouter := llm.NewRouter(providers,
		llm.WithStrategy(llm.Strategy(cfg.LLM.Strategy)),
		llm.WithMetrics(rec),
	)
	log.Info().Strs("providers", llmRouter.Providers()).Msg("✅ LLM router initialized")

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		LLM:      llmRouter,
		Registry: reg,
		Invoker:  inv,
		Router:   routing.NewRouter(llmRouter, catalog, dataStore),
		Checker:  preflight.NewChecker(reg),
		Resolver: resolver.NewResolver(inv, cfg.Tools.Timeout),
		Clarifier: clarify.NewBuilder(inv, dataStore,
			clarify.WithBaseURL(cfg.Links.AppBaseURL),
			clarify.WithAvailable(reg),
			clarify.WithMetrics(rec),
			clarify.WithTimeouts(cfg.Tools.Timeout, cfg.Store.PersistTimeout),
		),
		Planner: planner.New(reg, inv, dataStore,
			planner.WithMetrics(rec),
			planner.WithTimeouts(cfg.Tools.Timeout, cfg.Store.PersistTimeout),
		),
		Steps:          dataStore,
		Clarifications: dataStore,
		Tokens:         llm.NewTokenCounter(),
		Metrics:        rec,
	})
	srv.Orchestrator = orch
	log.Info().
		Int("max_iterations", cfg.Loop.MaxIterations).
		Str("loop_policy", cfg.Loop.LoopPolicy).
		Msg("✅ Orchestrator initialized")

	if cfg.Retention.Days > 0 {
		srv.startJanitor(dataStore, cfg.Retention, rec)
	}

	auth := middleware.NewAPIKeyAuth(cfg.API.Keys)
	if !auth.Enabled() {
		log.Warn().Msg("API key auth disabled (TASKPILOT_API_KEYS empty)")
	}

	guard, err := buildGuard(cfg.API.GuardrailsFile)
	if err != nil {
		return nil, err
	}

	h := handlers.New(orch, dataStore, catalog)
	h.Guard = guard
	srv.Handler = api.NewRouter(cfg, h, auth, promReg)
	return srv, nil
}

// Shutdown releases the backend session and the store, then flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) startJanitor(rs store.RetentionStore, cfg config.RetentionConfig, rec *metrics.Recorder) {
	opts := []retention.Option{retention.WithMetrics(rec)}
	if cfg.ArchiveMode != models.ArchiveModeNone && cfg.ArchiveMode != "" {
		opts = append(opts, retention.WithArchiver(retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.Compress), cfg.ArchiveMode))
	}
	j := retention.NewJanitor(rs, cfg.Days, cfg.Interval, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		j.Start(ctx)
	}()
	// stop the janitor before the store closes
	s.closers = append(s.closers, func() error {
		cancel()
		<-stopped
		return nil
	})
}

func buildGuard(path string) (*guardrails.Guard, error) {
	var rules []guardrails.Rule
	switch path {
	case "off":
		log.Warn().Msg("Query guardrails disabled")
		return nil, nil
	case "":
		rules = guardrails.DefaultRules()
	default:
		loaded, err := guardrails.LoadFile(path)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	g, err := guardrails.New(rules)
	if err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}
	log.Info().Int("rules", len(rules)).Msg("✅ Query guardrails loaded")
	return g, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate sqlite store: %w", err)
		}
		log.Info().Str("dir", cfg.DataDir).Msg("✅ SQLite store initialized")
		return s, nil
	case "memory", "":
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Msg("✅ In-memory store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBackend(cfg *config.Config) (backend.Invoker, func() error) {
	if strings.EqualFold(cfg.Backend.Transport, "mcp") {
		c := backend.NewMCPClient(cfg.Backend.URL, cfg.Backend.Token, cfg.Version)
		log.Info().Str("url", cfg.Backend.URL).Msg("✅ MCP backend client configured")
		return c, c.Close
	}
	log.Info().Str("url", cfg.Backend.URL).Msg("✅ JSON-RPC gateway client configured")
	return backend.NewGatewayClient(cfg.Backend.URL, cfg.Backend.Token), nil
}

func buildProviders(cfg config.LLMConfig) ([]llm.Provider, error) {
	var providers []llm.Provider
	for _, name := range cfg.Providers {
		switch strings.ToLower(name) {
		case "openai":
			if cfg.OpenAIKey == "" {
				log.Warn().Msg("OPENAI_API_KEY not set, skipping openai provider")
				continue
			}
			providers = append(providers, llm.NewOpenAIProvider("openai", cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL))
		case "anthropic":
			if cfg.AnthropicKey == "" {
				log.Warn().Msg("ANTHROPIC_API_KEY not set, skipping anthropic provider")
				continue
			}
			providers = append(providers, llm.NewAnthropicProvider(cfg.AnthropicKey, cfg.AnthropicModel))
		case "ollama":
			providers = append(providers, llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel))
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no llm provider configured (TASKPILOT_LLM_PROVIDERS=%s)", strings.Join(cfg.Providers, ","))
	}
	return providers, nil
}
