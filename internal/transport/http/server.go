// Package http provides the HTTP transport layer for vsmbus.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /endpoints
//	POST   /endpoints
//	DELETE /endpoints/{name}
//	GET    /endpoints/{name}/ws
//	POST   /messages
//	POST   /messages/route
//	POST   /signals
//	GET    /signals
//	GET    /signals/{id}
//	POST   /signals/{id}/ack
//	GET    /storms
//	POST   /ratelimit/check
//	GET    /audit/events
//	GET    /audit/signals/{id}
//	GET    /dlq
//	GET    /dlq/{endpoint}
//	POST   /dlq/{endpoint}/replay
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/audit"
	"github.com/sneh-joshi/vsmbus/internal/bus"
	"github.com/sneh-joshi/vsmbus/internal/config"
	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/metrics"
)

// Deps are the components the API serves. Audit, DLQ, Hub and Metrics may be
// nil; their routes then answer 503 or are not mounted.
type Deps struct {
	Bus      *bus.Bus
	Audit    *audit.Log
	DLQ      *dlq.Queue
	Replayer dlq.Deliverer
	Hub      http.Handler
	Metrics  *metrics.Registry
	NodeID   string
}

// Server wraps the stdlib HTTP server with vsmbus route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	h := &Handler{
		bus:      d.Bus,
		audit:    d.Audit,
		dlq:      d.DLQ,
		replayer: d.Replayer,
		nodeID:   d.NodeID,
		validate: newValidator(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Endpoints
	mux.HandleFunc("GET /endpoints", h.listEndpoints)
	mux.HandleFunc("POST /endpoints", h.registerEndpoint)
	mux.HandleFunc("DELETE /endpoints/{name}", h.deregisterEndpoint)
	if d.Hub != nil {
		mux.Handle("GET /endpoints/{name}/ws", d.Hub)
	}

	// Messages
	mux.HandleFunc("POST /messages", h.sendMessage)
	mux.HandleFunc("POST /messages/route", h.routeMessage)

	// Algedonic signals
	mux.HandleFunc("POST /signals", h.emitSignal)
	mux.HandleFunc("GET /signals", h.listSignals)
	mux.HandleFunc("GET /signals/{id}", h.getSignal)
	mux.HandleFunc("POST /signals/{id}/ack", h.ackSignal)
	mux.HandleFunc("GET /storms", h.listStorms)

	// Variety attenuation
	mux.HandleFunc("POST /ratelimit/check", h.checkRate)

	// Audit trail
	mux.HandleFunc("GET /audit/events", h.auditEvents)
	mux.HandleFunc("GET /audit/signals/{id}", h.auditSignal)

	// Undelivered messages
	mux.HandleFunc("GET /dlq", h.dlqSummary)
	mux.HandleFunc("GET /dlq/{endpoint}", h.getDLQ)
	mux.HandleFunc("POST /dlq/{endpoint}/replay", h.replayDLQ)

	// Metrics (Prometheus text format)
	if d.Metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	rps := cfg.HTTP.RateLimitRPS
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.HTTP.RateLimitBurst
	if burst <= 0 {
		burst = 200
	}

	var obs Observer
	if d.Metrics != nil {
		obs = d.Metrics
	}

	handler := chain(mux,
		CORSMiddleware,
		RecoverMiddleware,
		RequestIDMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(obs),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
