// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package api is the HTTP surface: ingestion, state queries, deletions,
// namespace and admin management, connector OAuth, source CRUD, and the
// WebSocket upgrade endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/connector"
	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/eventlog"
	"github.com/EckmanTechLLC/flux/internal/metrics"
	"github.com/EckmanTechLLC/flux/internal/ratelimit"
	"github.com/EckmanTechLLC/flux/internal/registry"
	"github.com/EckmanTechLLC/flux/internal/sources"
	"github.com/EckmanTechLLC/flux/internal/state"
	"github.com/EckmanTechLLC/flux/internal/websocket"
)

// Server carries the handler dependencies. Optional subsystems
// (connectors, sources) may be nil; their routes then reply 503.
type Server struct {
	cfg     *config.Config
	runtime *config.RuntimeManager

	appender eventlog.Appender
	replayer eventlog.Replayer

	entities *state.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	tracker  *metrics.Tracker

	creds      *credentials.Store
	connectors *connector.Registry
	manager    *connector.Manager
	flow       *connector.Flow

	sourceStore *sources.Store
	sourceMgr   *sources.Manager

	hub *websocket.Hub

	validate *validator.Validate
}

// NewServer wires the HTTP layer.
func NewServer(
	cfg *config.Config,
	runtime *config.RuntimeManager,
	appender eventlog.Appender,
	replayer eventlog.Replayer,
	entities *state.Store,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	tracker *metrics.Tracker,
	creds *credentials.Store,
	connectors *connector.Registry,
	manager *connector.Manager,
	flow *connector.Flow,
	sourceStore *sources.Store,
	sourceMgr *sources.Manager,
	hub *websocket.Hub,
) *Server {
	return &Server{
		cfg:         cfg,
		runtime:     runtime,
		appender:    appender,
		replayer:    replayer,
		entities:    entities,
		registry:    reg,
		limiter:     limiter,
		tracker:     tracker,
		creds:       creds,
		connectors:  connectors,
		manager:     manager,
		flow:        flow,
		sourceStore: sourceStore,
		sourceMgr:   sourceMgr,
		hub:         hub,
		validate:    validator.New(),
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.handleWebSocket)

		r.Post("/events", s.handleIngestEvent)
		r.Post("/events/batch", s.handleIngestBatch)
		r.Get("/events", s.handleQueryEvents)

		r.Get("/state/entities", s.handleListEntities)
		r.Post("/state/entities/delete", s.handleBatchDelete)
		// Entity ids contain slashes (namespace/entity), so these match
		// the rest of the path.
		r.Get("/state/entities/*", s.handleGetEntity)
		r.Delete("/state/entities/*", s.handleDeleteEntity)

		// Management endpoints get a coarse per-IP limit on top of the
		// domain token bucket.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(60, time.Minute))

			r.Post("/namespaces", s.handleRegisterNamespace)
			r.Get("/namespaces", s.handleListNamespaces)
			r.Get("/namespaces/{name}", s.handleGetNamespace)
			r.Delete("/namespaces/{name}", s.handleDeleteNamespace)

			r.Get("/admin/config", s.handleGetRuntimeConfig)
			r.Put("/admin/config", s.handlePutRuntimeConfig)
		})

		r.Route("/connectors", func(r chi.Router) {
			r.Get("/", s.handleListConnectors)
			r.Get("/{name}", s.handleGetConnector)
			r.Get("/{name}/oauth/start", s.handleOAuthStart)
			r.Get("/{name}/oauth/callback", s.handleOAuthCallback)
			r.Post("/{name}/token", s.handleStoreToken)
			r.Delete("/{name}/token", s.handleDeleteToken)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/generic", s.handleListGenericSources)
			r.Post("/generic", s.handleCreateGenericSource)
			r.Delete("/generic/{id}", s.handleDeleteGenericSource)

			r.Get("/named", s.handleListNamedSources)
			r.Post("/named", s.handleCreateNamedSource)
			r.Delete("/named/{id}", s.handleDeleteNamedSource)
			r.Post("/named/{id}/sync", s.handleTriggerSync)

			r.Get("/status", s.handleSourceStatuses)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
