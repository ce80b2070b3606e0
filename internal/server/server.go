// Package server implements the HTTP transport layer for the Moria gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/app"
	"github.com/eugener/moria/internal/storage"
	"github.com/eugener/moria/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator validates API keys and enforces daily quotas.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
	ConsumeQuota(ctx context.Context, keyID string) error
	InvalidateByKeyID(keyID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Exec           *app.Executor
	Store          storage.Store      // admin surface
	AdminKey       string             // empty disables the admin routes
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics middleware
	MetricsHandler http.Handler       // nil = no /metrics endpoint

	// DefaultMaxConcurrent caps admin-created providers that omit a value.
	DefaultMaxConcurrent int
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing Gemini-compatible API (auth required). The action verb
	// rides in the final path segment ("model:generateContent"), so the chi
	// pattern captures it inside {model} and the handler splits it off.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1beta/models", s.handleListModels)
		r.Get("/v1beta/models/{model}", s.handleGetModel)
		r.Post("/v1beta/models/{model}", s.handleModelAction)
	})

	// Admin surface (shared-secret auth)
	if deps.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleCreateProvider)
			r.Delete("/providers/{id}", s.handleDeleteProvider)
			r.Post("/providers/{id}/status", s.handleProviderStatus)
			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)
		})
	}

	return r
}

type server struct {
	deps Deps
}
