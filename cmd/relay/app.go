// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/agents"
	"github.com/jllopis/relay/pkg/audit"
	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/discovery"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/mcp"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/remote"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/routing"
	"github.com/jllopis/relay/pkg/telemetry"
)

// app holds every component of one relay process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *agent.Registry
	adapter  *routing.Adapter
	client   *remote.Client
	verifier *credentials.Verifier
	health   *health.Provider
	store    audit.Store
	orch     *orchestrator.Orchestrator
	mcp      *mcp.Server
	metrics  *telemetry.InvocationMetrics

	// discovered endpoints are kept so routing reloads can merge them again
	discovered []routing.Endpoint
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: agent.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.metrics, err = telemetry.NewInvocationMetrics(nil); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if err := a.buildRemote(); err != nil {
		return nil, err
	}

	a.adapter = routing.NewAdapter(a.registry, routing.MustTable(cfg.Routing.Environment, nil, nil),
		routing.WithRemote(a.client),
		routing.WithMetrics(a.metrics),
		routing.WithLogger(logger),
	)

	if err := a.registerLocal(ctx); err != nil {
		return nil, err
	}
	if err := a.discover(ctx); err != nil {
		return nil, err
	}
	table, err := a.table(cfg)
	if err != nil {
		return nil, err
	}
	a.adapter.SetTable(table)

	a.buildHealth()
	if err := a.buildAudit(); err != nil {
		return nil, err
	}
	a.buildOrchestrator()

	if cfg.MCP.Serve {
		a.mcp = mcp.NewServer(cfg.Telemetry.ServiceName, version, a.adapter, a.registry.LocalCards(),
			mcp.WithSourceIdentity(cfg.Gateway.SourceIdentity),
			mcp.WithServerLogger(logger),
		)
	}
	return a, nil
}

// Close releases clients and stores in reverse order of creation.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) buildRemote() error {
	cfg := a.cfg
	opts := []remote.Option{
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithMaxTimeout(cfg.Remote.MaxTimeout),
		remote.WithStreamTimeout(cfg.Remote.StreamTimeout),
		remote.WithRequireTLS(cfg.Remote.RequireTLS),
		remote.WithLogger(a.logger),
	}
	if cfg.Credentials.SigningKey != "" {
		key := []byte(cfg.Credentials.SigningKey)
		issuer, err := credentials.NewIssuer(key, cfg.Credentials.Issuer, cfg.Gateway.SourceIdentity,
			credentials.WithTTL(cfg.Credentials.TTL),
			credentials.WithSubjects(cfg.Agents.Local...),
			credentials.WithSubjects(cfg.Gateway.Ingress.Identity),
		)
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		opts = append(opts, remote.WithCredentials(credentials.NewCache(issuer, cfg.Credentials.TTL/5)))
		a.verifier = credentials.NewVerifier(key, cfg.Credentials.Issuer)
	}
	a.client = remote.NewClient(opts...)
	a.closers = append(a.closers, a.client.Close)
	return nil
}

// registerLocal builds the built-in agents named in agents.local. Agents with
// skills bound to MCP tools are registered lazily: their MCP servers are
// dialed on the first call, so an unreachable tool server does not stop the
// process from starting.
func (a *app) registerLocal(ctx context.Context) error {
	cfg := a.cfg
	tools := newToolBinder(cfg.MCP, a.logger)
	a.closers = append(a.closers, tools.Close)

	for _, identity := range cfg.Agents.Local {
		deps := agents.Deps{
			Caller:     a.adapter,
			SourceRoot: cfg.Agents.SourceRoot,
			Peers:      cfg.Agents.Peers,
			URL:        cfg.Agents.URL,
			Logger:     a.logger,
		}
		card, err := agents.Card(identity, cfg.Agents.URL)
		if err != nil {
			return fmt.Errorf("agent %s: %w", identity, err)
		}
		if !tools.binds(card) {
			ag, err := agents.ForIdentity(identity, deps)
			if err != nil {
				return fmt.Errorf("agent %s: %w", identity, err)
			}
			if err := a.registry.Register(ag); err != nil {
				return err
			}
		} else {
			factory := func(ctx context.Context) (agent.Agent, error) {
				handlers, err := tools.handlers(ctx, card)
				if err != nil {
					return nil, err
				}
				deps.Tools = handlers
				return agents.ForIdentity(identity, deps)
			}
			if err := a.registry.RegisterLazy(card, factory); err != nil {
				return err
			}
		}
		a.logger.Info("serving agent", slog.String("identity", identity))
	}
	return nil
}

// toolBinder dials the MCP servers that serve bound skills, once per server.
type toolBinder struct {
	cfg    config.MCPConfig
	logger *slog.Logger
	dial   func(ctx context.Context, server config.MCPServerConfig) (*mcp.Client, error)

	mu      sync.Mutex
	clients map[string]*mcp.Client
}

func newToolBinder(cfg config.MCPConfig, logger *slog.Logger) *toolBinder {
	return &toolBinder{cfg: cfg, logger: logger, dial: dialMCPServer, clients: make(map[string]*mcp.Client)}
}

func (b *toolBinder) binds(card *agentcard.AgentCard) bool {
	for _, skillID := range card.SkillIDs() {
		if _, ok := b.cfg.Tools[skillID]; ok {
			return true
		}
	}
	return false
}

func (b *toolBinder) handlers(ctx context.Context, card *agentcard.AgentCard) (map[string]agent.Handler, error) {
	out := make(map[string]agent.Handler)
	for _, skillID := range card.SkillIDs() {
		binding, ok := b.cfg.Tools[skillID]
		if !ok {
			continue
		}
		c, err := b.client(ctx, binding.Server)
		if err != nil {
			return nil, err
		}
		out[skillID] = mcp.ToolHandler(c, binding.Tool)
		b.logger.Info("skill bound to mcp tool",
			slog.String("skill_id", skillID),
			slog.String("server", binding.Server),
			slog.String("tool", binding.Tool),
		)
	}
	return out, nil
}

func (b *toolBinder) client(ctx context.Context, name string) (*mcp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[name]; ok {
		return c, nil
	}
	// the client outlives the call that triggered the dial
	c, err := b.dial(context.WithoutCancel(ctx), b.cfg.Servers[name])
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", name, err)
	}
	b.clients[name] = c
	return c, nil
}

// Close closes every dialed MCP client.
func (b *toolBinder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, c := range b.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.clients, name)
	}
	return first
}

var dialMCPServer = dialMCP

func dialMCP(ctx context.Context, server config.MCPServerConfig) (*mcp.Client, error) {
	opts := []mcp.ClientOption{mcp.WithTimeout(server.Timeout)}
	if server.Transport == "http" {
		return mcp.DialHTTP(ctx, server.URL, opts...)
	}
	return mcp.DialStdio(ctx, server.Command, server.Args, opts...)
}

// discover registers the cards of agents served elsewhere: card files from
// agents.cards and the cards published by discovery.peers.
func (a *app) discover(ctx context.Context) error {
	cfg := a.cfg
	var providers []discovery.Provider
	if len(cfg.Agents.Cards) > 0 {
		providers = append(providers, discovery.NewFileProvider(cfg.Agents.Cards))
	}
	if len(cfg.Discovery.Peers) > 0 {
		providers = append(providers, discovery.NewWellKnownProvider(cfg.Discovery.Peers))
	}
	if len(providers) == 0 {
		return nil
	}
	resolver, err := discovery.NewResolver(providers...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Discovery.Timeout)
	defer cancel()
	cards, err := resolver.Resolve(ctx)
	if err != nil {
		a.logger.Warn("agent discovery incomplete", slog.String("error", err.Error()))
	}
	added := discovery.Register(a.registry, cards, a.logger)
	a.discovered = discovery.Endpoints(added)
	a.logger.Info("agents discovered", slog.Int("registered", len(added)), slog.Int("endpoints", len(a.discovered)))
	return nil
}

// table builds the routing table of cfg. Configured endpoints take
// precedence over the URLs of discovered cards.
func (a *app) table(cfg *config.Config) (*routing.Table, error) {
	return buildTable(cfg, a.discovered)
}

func buildTable(cfg *config.Config, discovered []routing.Endpoint) (*routing.Table, error) {
	flags := make([]routing.Flag, 0, len(cfg.Routing.Flags))
	for _, f := range cfg.Routing.Flags {
		flags = append(flags, routing.Flag{Source: f.Source, Target: f.Target, Environment: f.Environment, Remote: f.Remote})
	}
	configured := make([]routing.Endpoint, 0, len(cfg.Routing.Endpoints))
	for _, e := range cfg.Routing.Endpoints {
		configured = append(configured, routing.Endpoint{Target: e.Target, Environment: e.Environment, URL: e.URL})
	}
	// placements are merged by environment, so blanks take the table's
	merged := discovery.MergeEndpoints(
		inEnvironment(configured, cfg.Routing.Environment),
		inEnvironment(discovered, cfg.Routing.Environment),
	)
	table, err := routing.NewTable(cfg.Routing.Environment, flags, merged)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	return table, nil
}

func inEnvironment(endpoints []routing.Endpoint, environment string) []routing.Endpoint {
	out := make([]routing.Endpoint, len(endpoints))
	for i, e := range endpoints {
		if strings.TrimSpace(e.Environment) == "" {
			e.Environment = environment
		}
		out[i] = e
	}
	return out
}

// reloadRouting swaps the routing table after a configuration change.
// Everything else needs a restart.
func (a *app) reloadRouting(cfg *config.Config) {
	table, err := a.table(cfg)
	if err != nil {
		a.logger.Error("routing reload rejected", slog.String("error", err.Error()))
		return
	}
	a.adapter.SetTable(table)
	a.registerRemoteChecks(table)
	a.logger.Info("routing reloaded",
		slog.String("environment", table.Environment()),
		slog.Int("remote_edges", len(table.RemoteEdges())),
	)
}

func (a *app) buildHealth() {
	a.health = health.NewProvider(5 * time.Second)
	a.health.Register("registry", health.Registry(a.adapter))
	a.registerRemoteChecks(a.adapter.Table())
}

const remoteCheckPrefix = "remote:"

// registerRemoteChecks pings the endpoint of every remote edge in table,
// replacing the checks of the previous table.
func (a *app) registerRemoteChecks(table *routing.Table) {
	if a.health == nil {
		return
	}
	checkers := make(map[string]health.Checker)
	for _, e := range table.RemoteEdges() {
		url, ok := table.Endpoint(e.Target, e.Environment)
		if !ok {
			continue
		}
		checkers[remoteCheckPrefix+agentcard.NameOf(e.Target)] = health.Endpoint(a.client, url)
	}
	a.health.Replace(remoteCheckPrefix, checkers)
}

func (a *app) buildAudit() error {
	switch a.cfg.Audit.Driver {
	case "none":
		return nil
	case "sqlite":
		store, err := audit.OpenSQLite(a.cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		a.store = audit.NewMemoryStore()
	}
	return nil
}

func (a *app) buildOrchestrator() {
	cfg := a.cfg.Orchestrator
	retry := resilience.DefaultRetryConfig().
		WithMaxAttempts(cfg.Retry.MaxAttempts).
		WithInitialDelay(cfg.Retry.InitialDelay).
		WithMaxDelay(cfg.Retry.MaxDelay)
	policy := resilience.NewPolicy()
	for _, skillID := range cfg.SafeSkills {
		policy.Safe(skillID, retry)
	}

	opts := []orchestrator.Option{
		orchestrator.WithAvailability(health.NewAvailability(a.adapter, a.client)),
		orchestrator.WithPolicy(policy),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithConcurrency(cfg.Concurrency),
		orchestrator.WithLogger(a.logger),
	}
	if a.store != nil {
		opts = append(opts, orchestrator.WithStore(a.store))
	}
	if cfg.Breaker.Enabled {
		opts = append(opts, orchestrator.WithBreakers(resilience.NewBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
		})))
	}
	a.orch = orchestrator.New(a.adapter, opts...)
}
