package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/internal/api/handlers"
	"github.com/agentoven/agentoven/dispatch-plane/internal/api/middleware"
	"github.com/agentoven/agentoven/dispatch-plane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "dispatch-plane"

// Deps are the collaborators the router mounts.
type Deps struct {
	Handlers *handlers.Handlers
	Auth     *middleware.APIKeyAuth
	// MCP serves the MCP streamable HTTP transport at /mcp. Optional.
	MCP http.Handler
	// Ping reports backend health for /health. Optional.
	Ping func(ctx context.Context) error
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	auth := deps.Auth
	if auth == nil {
		auth = middleware.NewAPIKeyAuth(nil)
	}
	h := deps.Handlers

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant", "X-Chat-ID", "X-Request-Id", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	// Health & info
	r.Get("/health", healthHandler(deps.Ping))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/messages", h.PostMessage)

			r.Route("/tools", func(r chi.Router) {
				r.Get("/", h.ListTools)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.GetTool)
					r.Get("/breaker", h.GetBreaker)
					r.Post("/invoke", h.InvokeTool)
				})
			})

			r.Route("/confirmations/{chatId}", func(r chi.Router) {
				r.Get("/", h.GetConfirmation)
				r.Delete("/", h.CancelConfirmation)
			})

			r.Route("/conversations/{chatId}/state", func(r chi.Router) {
				r.Get("/", h.GetState)
				r.Delete("/", h.DeleteState)
			})

			r.Post("/sweep", h.Sweep)
		})
	})

	// MCP gateway, uncompressed so streamed responses flush.
	if deps.MCP != nil {
		r.Handle("/mcp", deps.MCP)
	}

	return r
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": serviceName,
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
