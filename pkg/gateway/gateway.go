// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP boundary of a relay process. It translates
// external requests into envelopes, sends them through the routing adapter
// and translates results back, always echoing the correlation id.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/audit"
	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/remote"
	"github.com/jllopis/relay/pkg/stream"
	"github.com/jllopis/relay/pkg/telemetry"
)

const (
	// DefaultRequestTimeout bounds every non-streaming request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps inbound request bodies.
	DefaultMaxBodyBytes = 4 << 20

	// HeaderCorrelationID carries the correlation id on requests and responses.
	HeaderCorrelationID = remote.HeaderCorrelationID
)

// Router dispatches envelopes. *routing.Adapter satisfies it.
type Router interface {
	Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
	Stream(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream
	InvokeLocal(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
	StreamLocal(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream
}

// Cards lists the agent cards fronted by the gateway. *agent.Registry
// satisfies it.
type Cards interface {
	Cards() []*agentcard.AgentCard
	Card(ref string) (*agentcard.AgentCard, bool)
}

// Fanout runs one task against several targets.
// *orchestrator.Orchestrator satisfies it.
type Fanout interface {
	Run(ctx context.Context, task orchestrator.Task, targets []string) orchestrator.Aggregate
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSourceIdentity sets the identity used for external requests that do
// not name a source.
func WithSourceIdentity(identity string) Option {
	return func(g *Gateway) {
		g.source = identity
	}
}

// WithIngress sets the identity and default target of the message ingress.
func WithIngress(identity, defaultTarget, defaultSkill string) Option {
	return func(g *Gateway) {
		g.ingress = ingressConfig{source: identity, target: defaultTarget, skill: defaultSkill}
	}
}

// WithVerifier requires verified bearer tokens on the peer endpoints.
func WithVerifier(v *credentials.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithHealth serves provider at /healthz.
func WithHealth(provider *health.Provider) Option {
	return func(g *Gateway) {
		g.health = provider
	}
}

// WithMCP mounts an MCP streamable HTTP handler at /mcp.
func WithMCP(h http.Handler) Option {
	return func(g *Gateway) {
		g.mcp = h
	}
}

// WithMetricsHandler overrides the handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(g *Gateway) {
		if h != nil {
			g.metrics = h
		}
	}
}

// WithOrchestrator serves fan-out runs at /v1/orchestrations.
func WithOrchestrator(f Fanout) Option {
	return func(g *Gateway) {
		g.fanout = f
	}
}

// WithAuditStore serves persisted outcomes at /v1/audit/records.
func WithAuditStore(store audit.Store) Option {
	return func(g *Gateway) {
		g.audit = store
	}
}

// WithRequestTimeout sets the deadline of non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxBodyBytes caps inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type ingressConfig struct {
	source string
	target string
	skill  string
}

// Gateway serves the relay HTTP surface. All shared state is read-only
// after New.
type Gateway struct {
	router   Router
	cards    Cards
	source   string
	ingress  ingressConfig
	verifier *credentials.Verifier
	health   *health.Provider
	mcp      http.Handler
	metrics  http.Handler
	fanout   Fanout
	audit    audit.Store
	timeout  time.Duration
	maxBody  int64
	logger   *slog.Logger
}

// New creates a gateway that routes through router and fronts cards.
func New(router Router, cards Cards, opts ...Option) *Gateway {
	g := &Gateway{
		router:  router,
		cards:   cards,
		metrics: telemetry.MetricsHandler(),
		timeout: DefaultRequestTimeout,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Handler builds the HTTP handler.
//
//	GET  /.well-known/agent-card.json
//	GET  /v1/agents, /v1/agents/{name}
//	POST /v1/tasks/send, /v1/tasks/stream
//	POST /v1/peer/send, /v1/peer/stream
//	POST /v1/ingress/messages
//	POST /v1/orchestrations
//	GET  /v1/audit/records
//	     /mcp
//	GET  /metrics, /healthz
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(g.correlation)
	r.Use(g.accessLog)
	r.Use(g.recoverer)

	r.Get(agentcard.WellKnownPath, g.handleWellKnown)
	r.Get("/metrics", g.metrics.ServeHTTP)
	r.Get(remote.HealthPath, g.handleHealth)

	// streams are bounded by the remote client and the caller, not by the
	// request deadline
	r.Post("/v1/tasks/stream", g.handleStream)
	r.Post(remote.PeerStreamPath, g.handlePeerStream)

	r.Group(func(r chi.Router) {
		r.Use(g.deadline)
		r.Get("/v1/agents", g.handleListAgents)
		r.Get("/v1/agents/{name}", g.handleGetAgent)
		r.Post("/v1/tasks/send", g.handleSend)
		r.Post(remote.PeerSendPath, g.handlePeerSend)
		r.Post("/v1/ingress/messages", g.handleIngress)
		if g.fanout != nil {
			r.Post("/v1/orchestrations", g.handleOrchestration)
		}
		if g.audit != nil {
			r.Get("/v1/audit/records", g.handleAuditRecords)
		}
	})

	if g.mcp != nil {
		r.Handle("/mcp", g.mcp)
	}
	return r
}
