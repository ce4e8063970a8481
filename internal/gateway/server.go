// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway is the HTTP surface of Nexus. It exposes the
// OpenAI-compatible inference endpoints backed by the routing pipeline, the
// observability endpoints, and the admin endpoints for model lifecycle and
// manual backend management.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/fleet"
	"github.com/nexus-llm/nexus/internal/lifecycle"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/router"
)

// Routing and observability headers stamped on responses.
const (
	headerBackend            = "X-Nexus-Backend"
	headerBackendType        = "X-Nexus-Backend-Type"
	headerRouteReason        = "X-Nexus-Route-Reason"
	headerPrivacyZone        = "X-Nexus-Privacy-Zone"
	headerCostEstimated      = "X-Nexus-Cost-Estimated"
	headerFallbackModel      = "X-Nexus-Fallback-Model"
	headerLifecycleStatus    = "X-Nexus-Lifecycle-Status"
	headerLifecycleOperation = "X-Nexus-Lifecycle-Operation"
)

// Request headers honored on the inference endpoints.
const (
	headerStrict   = "X-Nexus-Strict"
	headerFlexible = "X-Nexus-Flexible"
	headerPriority = "X-Priority"
)

// maxBodyBytes bounds inference request bodies.
const maxBodyBytes = 32 << 20

// Options carries the Server dependencies. Registry, Router, Lifecycle and
// Meter are required; the rest degrade gracefully when nil.
type Options struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Router   *router.Router
	// Queue and Drainer enable parking capacity rejections; both nil when
	// queueing is disabled.
	Queue   *queue.Queue
	Drainer *queue.Drainer
	// Quality may be nil to skip outcome recording.
	Quality *quality.Store
	// Budget may be nil; the stats endpoint then omits spend.
	Budget    *budget.State
	Lifecycle *lifecycle.Manager
	// Fleet may be nil; recommendations then serve an empty list.
	Fleet *fleet.Analyzer
	// Meter backs the per-request instrument sets.
	Meter metric.Meter
	// Prometheus exposes the metrics endpoint; nil hides it.
	Prometheus *prometheus.Registry
	// Logging controls content logging of request and response bodies.
	Logging config.LoggingConfig
}

// Server hosts the HTTP API.
type Server struct {
	logger    *slog.Logger
	registry  *registry.Registry
	router    *router.Router
	queue     *queue.Queue
	drainer   *queue.Drainer
	quality   *quality.Store
	budget    *budget.State
	lifecycle *lifecycle.Manager
	fleet     *fleet.Analyzer
	meter     metric.Meter

	maxWaitSeconds int
	contentLog     bool
	started        time.Time
	handler        http.Handler

	now func() time.Time
}

// New validates the wiring and builds the route table.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("cannot build gateway: registry is required")
	}
	if opts.Router == nil {
		return nil, errors.New("cannot build gateway: router is required")
	}
	if opts.Lifecycle == nil {
		return nil, errors.New("cannot build gateway: lifecycle manager is required")
	}
	if opts.Meter == nil {
		return nil, errors.New("cannot build gateway: meter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:     logger,
		registry:   opts.Registry,
		router:     opts.Router,
		queue:      opts.Queue,
		drainer:    opts.Drainer,
		quality:    opts.Quality,
		budget:     opts.Budget,
		lifecycle:  opts.Lifecycle,
		fleet:      opts.Fleet,
		meter:      opts.Meter,
		contentLog: opts.Logging.EnableContentLogging,
		now:        time.Now,
	}
	s.started = s.now()
	if opts.Queue != nil {
		s.maxWaitSeconds = int(opts.Queue.MaxWait() / time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletion)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/fleet/recommendations", s.handleRecommendations)
	mux.HandleFunc("POST /v1/models/load", s.handleLoadModel)
	mux.HandleFunc("DELETE /v1/models/{model}", s.handleUnloadModel)
	mux.HandleFunc("POST /v1/models/migrate", s.handleMigrateModel)
	mux.HandleFunc("POST /v1/backends", s.handleAddBackend)
	mux.HandleFunc("DELETE /v1/backends/{id}", s.handleRemoveBackend)
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Prometheus != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Prometheus, promhttp.HandlerOpts{}))
	}
	s.handler = mux
	return s, nil
}

// Handler returns the route table for mounting on an http.Server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
