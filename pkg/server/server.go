// Package server provides the public entry point for initializing the
// dispatch plane.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	defer srv.Close(ctx)
//	err = srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/api"
	"github.com/agentoven/agentoven/dispatch-plane/internal/api/handlers"
	"github.com/agentoven/agentoven/dispatch-plane/internal/api/middleware"
	"github.com/agentoven/agentoven/dispatch-plane/internal/config"
	"github.com/agentoven/agentoven/dispatch-plane/internal/confirm"
	"github.com/agentoven/agentoven/dispatch-plane/internal/conversation"
	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/internal/embeddings"
	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
	"github.com/agentoven/agentoven/dispatch-plane/internal/mcpgw"
	"github.com/agentoven/agentoven/dispatch-plane/internal/notify"
	"github.com/agentoven/agentoven/dispatch-plane/internal/router"
	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/internal/sweeper"
	"github.com/agentoven/agentoven/dispatch-plane/internal/telemetry"
	"github.com/agentoven/agentoven/dispatch-plane/internal/tools"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized dispatch plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store        store.Store
	Dispatcher   *dispatcher.Dispatcher
	Gate         *confirm.Gate
	Conversation *conversation.Service
	Sweeper      *sweeper.Sweeper
	Gateway      *mcpgw.Gateway

	Config *config.Config

	remote    *tools.RemotePool
	shutdown  func(context.Context) error
	closeOnce sync.Once
}

// New initializes every component from cfg and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// The store reports opportunistically expired records to the sweeper,
	// so the sweeper exists first and gets its store afterwards.
	swOpts := []sweeper.Option{}
	if cfg.Sweeper.ArchiveDir != "" {
		swOpts = append(swOpts, sweeper.WithArchiver(sweeper.NewLocalFileArchiver(cfg.Sweeper.ArchiveDir, cfg.Sweeper.Compress)))
	}
	sw := sweeper.New(nil, notifyHook(cfg.Notify), cfg.Sweeper.Interval, swOpts...)

	st, err := OpenStore(ctx, cfg.Store, store.WithExpiryHandler(sw.Notify))
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	sw.SetStore(st)

	srv := &Server{Store: st, Sweeper: sw, Config: cfg, shutdown: shutdown}
	if err := srv.build(ctx); err != nil {
		_ = srv.Close(ctx)
		return nil, err
	}
	return srv, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.Config

	// ── Tools ────────────────────────────────────────────────
	s.Dispatcher = dispatcher.New()
	s.remote = tools.NewRemotePool(cfg.Version)

	var manifest *tools.Manifest
	if cfg.Tools.ManifestPath != "" {
		m, err := tools.LoadManifest(cfg.Tools.ManifestPath)
		if err != nil {
			return fmt.Errorf("load tool manifest: %w", err)
		}
		manifest = m
	}
	var msgAuth *tools.Auth
	if cfg.Tools.MessageToken != "" {
		msgAuth = &tools.Auth{Type: "bearer", Token: cfg.Tools.MessageToken}
	}
	names, err := tools.RegisterBuiltins(s.Dispatcher, tools.Options{
		MessageWebhookURL: cfg.Tools.MessageWebhookURL,
		MessageAuth:       msgAuth,
		Manifest:          manifest,
		Remote:            s.remote,
	})
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	log.Info().Strs("tools", names).Msg("✅ Tool dispatcher initialized")

	// ── Intent ───────────────────────────────────────────────
	catalog := intent.DefaultCatalog()
	if cfg.Intent.CatalogPath != "" {
		c, err := intent.LoadCatalog(cfg.Intent.CatalogPath)
		if err != nil {
			return fmt.Errorf("load intent catalog: %w", err)
		}
		catalog = c
	}
	registry := embeddings.NewRegistry()
	if d := embeddingDriver(cfg.Embeddings); d != nil {
		registry.Register(cfg.Embeddings.Provider, d)
	}
	provider, err := intent.SelectProvider(cfg.Intent.Scorer, registry.Default())
	if err != nil {
		return err
	}
	matcher := intent.NewMatcher(catalog, provider)
	log.Info().Str("scorer", string(provider.Kind())).Int("intents", len(catalog.Intents())).Msg("✅ Intent matcher initialized")

	// ── Router ───────────────────────────────────────────────
	rcfg := router.DefaultConfig()
	rcfg.HeuristicThreshold = cfg.Intent.HeuristicThreshold
	rcfg.TierTimeout = cfg.LLM.TierTimeout
	ropts := []router.Option{router.WithMatcher(matcher), router.WithTools(s.Dispatcher)}
	if cfg.LLM.Endpoint != "" {
		chat := router.NewChatClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Model, nil)
		ropts = append(ropts,
			router.WithClassifier(router.NewOpenAIClassifier(chat)),
			router.WithGenerator(router.NewOpenAIGenerator(chat)),
		)
		log.Info().Str("model", cfg.LLM.Model).Msg("✅ Structured and generative tiers enabled")
	} else {
		log.Info().Msg("LLM endpoint not configured, routing uses rules and heuristics only")
	}
	rt := router.New(rcfg, ropts...)

	// ── Conversation ─────────────────────────────────────────
	s.Gate = confirm.NewGate(s.Store, s.Dispatcher, confirm.WithTTL(cfg.Store.ConfirmationTTL))
	s.Conversation = conversation.NewService(s.Store, s.Gate, rt, s.Dispatcher, conversation.WithCatalog(catalog))

	// ── Transport ────────────────────────────────────────────
	// The MCP endpoint sits behind the API middleware, so a key-bound
	// tenant wins over the X-Tenant header there too.
	s.Gateway = mcpgw.New(s.Dispatcher, cfg.Version, mcpgw.WithTenantFrom(func(r *http.Request) string {
		return middleware.GetTenantID(r.Context())
	}))
	h := handlers.New(s.Conversation, s.Dispatcher, s.Gate, s.Store, s.Sweeper)
	s.Handler = api.NewRouter(cfg, api.Deps{
		Handlers: h,
		Auth:     middleware.NewAPIKeyAuth(cfg.APIKeys),
		MCP:      s.Gateway.Handler(),
		Ping:     s.Store.Ping,
	})
	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("No API keys configured, the API is open")
	}
	return nil
}

// OpenStore builds the store named by cfg.Driver and migrates SQL schemas.
func OpenStore(ctx context.Context, cfg config.StoreConfig, opts ...store.Option) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(opts...), nil
	case "sqlite":
		return openSQL(ctx, store.DialectSQLite, cfg.SQLitePath, opts...)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		return openSQL(ctx, store.DialectPostgres, cfg.DatabaseURL, opts...)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openSQL(ctx context.Context, dialect store.Dialect, dsn string, opts ...store.Option) (store.Store, error) {
	st, err := store.OpenSQL(ctx, dialect, dsn, opts...)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", dialect, err)
	}
	return st, nil
}

func embeddingDriver(cfg config.EmbeddingsConfig) embeddings.Driver {
	switch cfg.Provider {
	case "openai":
		var opts []embeddings.OpenAIOption
		if cfg.Endpoint != "" {
			opts = append(opts, embeddings.WithOpenAIEndpoint(cfg.Endpoint))
		}
		return embeddings.NewOpenAIDriver(cfg.APIKey, cfg.Model, opts...)
	case "ollama":
		return embeddings.NewOllamaDriver(cfg.Endpoint, cfg.Model)
	case "":
		return nil
	}
	log.Warn().Str("provider", cfg.Provider).Msg("Unknown embeddings provider, embeddings disabled")
	return nil
}

func notifyHook(cfg config.NotifyConfig) notify.Hook {
	hooks := []notify.Hook{notify.LogHook()}
	if cfg.WebhookURL != "" {
		hooks = append(hooks, notify.WebhookHook(cfg.WebhookURL,
			notify.WithSecret(cfg.WebhookSecret),
			notify.WithRateLimit(cfg.RatePerSecond, max(1, int(cfg.RatePerSecond))),
		))
		log.Info().Str("url", cfg.WebhookURL).Msg("✅ Expiry webhook enabled")
	}
	return notify.Multi(hooks...)
}

// Run serves HTTP and runs the sweeper until ctx is canceled, then shuts
// the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Config.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sweeper.Start(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Config.Port).Msg("🚀 Dispatch plane ready")
		errCh <- httpServer.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	stopSweep()
	wg.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close releases the store, remote tool sessions and the tracer provider.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.remote != nil {
			errs = append(errs, s.remote.Close())
		}
		if s.Store != nil {
			errs = append(errs, s.Store.Close())
		}
		if s.shutdown != nil {
			errs = append(errs, s.shutdown(ctx))
		}
	})
	return errors.Join(errs...)
}
