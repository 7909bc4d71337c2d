// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
	"github.com/jllopis/relay/pkg/telemetry"
)

// RemoteInvoker performs networked calls. *remote.Client satisfies it.
type RemoteInvoker interface {
	Invoke(ctx context.Context, endpoint string, env envelope.TaskEnvelope) envelope.TaskResult
	Stream(ctx context.Context, endpoint string, env envelope.TaskEnvelope) *stream.Stream
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRemote sets the client used for remote decisions. Without one every
// remote decision resolves to routing_unresolved.
func WithRemote(remote RemoteInvoker) Option {
	return func(a *Adapter) {
		a.remote = remote
	}
}

// WithMetrics records every call on m.
func WithMetrics(m *telemetry.InvocationMetrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithTracer overrides the tracer used for call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Adapter) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter is the single entry point for skill calls. It resolves the target,
// validates the request before anything runs, routes it and checks the
// answer against the target's declared output schema. Every failure is
// returned as an error result.
type Adapter struct {
	registry *agent.Registry
	table    atomic.Pointer[Table]
	remote   RemoteInvoker
	metrics  *telemetry.InvocationMetrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewAdapter creates an adapter over registry routed by table.
func NewAdapter(registry *agent.Registry, table *Table, opts ...Option) *Adapter {
	a := &Adapter{
		registry: registry,
		tracer:   otel.Tracer("github.com/jllopis/relay/routing"),
		logger:   slog.Default(),
	}
	a.table.Store(table)
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Table returns the routing table in use.
func (a *Adapter) Table() *Table {
	return a.table.Load()
}

// SetTable swaps the routing table. Calls in flight keep the table they
// started with.
func (a *Adapter) SetTable(t *Table) {
	if t != nil {
		a.table.Store(t)
	}
}

// Registry returns the registry targets are resolved against.
func (a *Adapter) Registry() *agent.Registry {
	return a.registry
}

// Decide resolves the routing decision for env without dispatching it.
func (a *Adapter) Decide(env envelope.TaskEnvelope) (Decision, error) {
	entry, err := a.resolve(env)
	if err != nil {
		return Decision{TargetIdentity: env.TargetIdentity, Environment: a.Table().Environment()}, err
	}
	return a.decide(env, entry)
}

// Invoke routes env and returns its result.
func (a *Adapter) Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
	return a.invoke(ctx, env, false)
}

// InvokeLocal serves env with an agent hosted in this process, without
// consulting the routing table. Peer endpoints use it so traffic that
// arrived over the network is never routed out again.
func (a *Adapter) InvokeLocal(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
	return a.invoke(ctx, env, true)
}

// Stream routes env as a streamed call.
func (a *Adapter) Stream(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream {
	return a.stream(ctx, env, false)
}

// StreamLocal is the streaming form of InvokeLocal.
func (a *Adapter) StreamLocal(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream {
	return a.stream(ctx, env, true)
}

func (a *Adapter) invoke(ctx context.Context, env envelope.TaskEnvelope, localOnly bool) envelope.TaskResult {
	started := time.Now()
	envelope.EnsureCorrelationID(&env)
	ctx = envelope.ContextWithCorrelationID(ctx, env.Metadata.CorrelationID)
	ctx, span := a.tracer.Start(ctx, "relay.invoke", trace.WithAttributes(
		telemetry.CallAttributes(env.SkillID, env.SourceIdentity, env.TargetIdentity, env.Metadata.CorrelationID)...,
	))
	defer span.End()

	mode := Mode("")
	result := func() envelope.TaskResult {
		entry, err := a.resolve(env)
		if err != nil {
			return envelope.Failure(env, err, started)
		}
		env.TargetIdentity = entry.Card.Identity
		if err := envelope.ValidateRequest(env, entry.Card); err != nil {
			return envelope.Failure(env, err, started)
		}

		decision := Decision{TargetIdentity: entry.Card.Identity, Mode: ModeLocal}
		if !localOnly {
			decision, err = a.decide(env, entry)
			if err != nil {
				return envelope.Failure(env, err, started)
			}
		}
		mode = decision.Mode
		span.SetAttributes(telemetry.RouteAttributes(string(decision.Mode), decision.Endpoint)...)

		var res envelope.TaskResult
		if decision.Mode == ModeRemote {
			res = a.remote.Invoke(ctx, decision.Endpoint, env)
		} else {
			res = a.dispatchLocal(ctx, entry, env, started)
		}
		return a.finish(env, entry.Card, res, started)
	}()

	a.observe(ctx, span, env, mode, result.ErrorKind(), started)
	return result
}

func (a *Adapter) stream(ctx context.Context, env envelope.TaskEnvelope, localOnly bool) *stream.Stream {
	started := time.Now()
	envelope.EnsureCorrelationID(&env)
	ctx = envelope.ContextWithCorrelationID(ctx, env.Metadata.CorrelationID)
	id := env.Metadata.CorrelationID

	return stream.New(ctx, id, func(ctx context.Context, yield func(stream.Fragment) bool) (err error) {
		ctx, span := a.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
			telemetry.CallAttributes(env.SkillID, env.SourceIdentity, env.TargetIdentity, id)...,
		))
		mode := Mode("")
		var failed string
		defer func() {
			if err != nil {
				failed = string(errors.KindOf(err))
			}
			a.observe(ctx, span, env, mode, failed, started)
			span.End()
		}()

		entry, err := a.resolve(env)
		if err != nil {
			return err
		}
		env.TargetIdentity = entry.Card.Identity
		if err := envelope.ValidateRequest(env, entry.Card); err != nil {
			return err
		}
		decision := Decision{TargetIdentity: entry.Card.Identity, Mode: ModeLocal}
		if !localOnly {
			if decision, err = a.decide(env, entry); err != nil {
				return err
			}
		}
		mode = decision.Mode
		span.SetAttributes(telemetry.RouteAttributes(string(decision.Mode), decision.Endpoint)...)

		var inner *stream.Stream
		switch {
		case decision.Mode == ModeRemote:
			inner = a.remote.Stream(ctx, decision.Endpoint, env)
		default:
			inner = a.streamLocal(ctx, entry, env, started)
		}
		defer inner.Close()

		merged := map[string]any{}
		for f := range inner.All() {
			switch f.Kind {
			case stream.KindData:
				for k, v := range f.Data {
					merged[k] = v
				}
			case stream.KindFinal:
				output := f.Output
				if output == nil {
					output = merged
				}
				checked := envelope.CheckOutput(envelope.OK(env, output, started), entry.Card)
				if !checked.OK() {
					return checked.Err()
				}
			case stream.KindError:
				if f.Error != nil {
					failed = f.Error.Kind
				}
			}
			f.CorrelationID = ""
			if !yield(f) {
				return nil
			}
		}
		return nil
	})
}

// resolve finds the target of env in the registry.
func (a *Adapter) resolve(env envelope.TaskEnvelope) (agent.Entry, error) {
	if env.TargetIdentity == "" {
		return agent.Entry{}, errors.New(errors.KindRoutingUnresolved, "target_identity is required", nil)
	}
	entry, ok := a.registry.Lookup(env.TargetIdentity)
	if !ok {
		return agent.Entry{}, errors.Newf(errors.KindRoutingUnresolved, "unknown target %q", env.TargetIdentity).
			WithDetail("target_identity", env.TargetIdentity)
	}
	return entry, nil
}

func (a *Adapter) decide(env envelope.TaskEnvelope, entry agent.Entry) (Decision, error) {
	decision, err := a.Table().Decide(env.SourceIdentity, entry.Card.Identity, "")
	if err != nil {
		return decision, err
	}
	switch {
	case decision.Mode == ModeRemote && a.remote == nil:
		return decision, errors.New(errors.KindRoutingUnresolved, "remote routing selected but no remote client is configured", nil)
	case decision.Mode == ModeLocal && !entry.Local():
		return decision, errors.Newf(errors.KindRoutingUnresolved, "%s is not served in this process and no remote route is enabled", entry.Card.Name).
			WithDetail("target_identity", entry.Card.Identity).
			WithDetail("environment", decision.Environment)
	}
	return decision, nil
}

// dispatchLocal runs the agent in its own goroutine so a handler that ignores
// its context cannot hold the caller past the call's deadline.
func (a *Adapter) dispatchLocal(ctx context.Context, entry agent.Entry, env envelope.TaskEnvelope, started time.Time) envelope.TaskResult {
	if !entry.Local() {
		return envelope.Failure(env, errors.Newf(errors.KindRoutingUnresolved, "%s is not served in this process", entry.Card.Name), started)
	}
	if timeout := env.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan envelope.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- envelope.Failure(env, errors.Newf(errors.KindInternal, "agent %s panicked: %v", entry.Card.Name, r), started)
			}
		}()
		done <- entry.Agent.Invoke(ctx, env)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return envelope.Failure(env, contextError(ctx.Err()), started)
	}
}

func (a *Adapter) streamLocal(ctx context.Context, entry agent.Entry, env envelope.TaskEnvelope, started time.Time) *stream.Stream {
	if !entry.Local() {
		return stream.Failed(ctx, env.Metadata.CorrelationID, errors.Newf(errors.KindRoutingUnresolved, "%s is not served in this process", entry.Card.Name))
	}
	if streamer, ok := entry.Agent.(agent.Streamer); ok {
		return a.isolateStream(ctx, entry, streamer, env)
	}
	return stream.New(ctx, env.Metadata.CorrelationID, func(ctx context.Context, yield func(stream.Fragment) bool) error {
		res := a.dispatchLocal(ctx, entry, env, started)
		if res.OK() {
			yield(stream.Final(res.Output))
			return nil
		}
		return res.Err()
	})
}

// isolateStream runs a local agent's stream in its own goroutine under the
// envelope deadline, the way dispatchLocal does for synchronous calls.
func (a *Adapter) isolateStream(ctx context.Context, entry agent.Entry, streamer agent.Streamer, env envelope.TaskEnvelope) *stream.Stream {
	return stream.New(ctx, env.Metadata.CorrelationID, func(ctx context.Context, yield func(stream.Fragment) bool) error {
		if timeout := env.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		fragments := make(chan stream.Fragment)
		go func() {
			defer close(fragments)
			send := func(f stream.Fragment) bool {
				select {
				case fragments <- f:
					return true
				case <-ctx.Done():
					return false
				}
			}
			defer func() {
				if r := recover(); r != nil {
					send(stream.Error(errors.Newf(errors.KindInternal, "agent %s panicked: %v", entry.Card.Name, r)))
				}
			}()
			inner := streamer.Stream(ctx, env)
			defer inner.Close()
			for f := range inner.All() {
				if !send(f) {
					return
				}
			}
		}()

		for {
			select {
			case f, ok := <-fragments:
				if !ok {
					return nil
				}
				if !yield(f) {
					return nil
				}
			case <-ctx.Done():
				return contextError(ctx.Err())
			}
		}
	})
}

// finish enforces the protocol on a dispatched result: it must answer this
// request and its output must match the declared schema.
func (a *Adapter) finish(env envelope.TaskEnvelope, card *agentcard.AgentCard, res envelope.TaskResult, started time.Time) envelope.TaskResult {
	if !envelope.Conforms(res) {
		return envelope.Failure(env, errors.New(errors.KindContractViolation, "target returned a malformed result", nil), started)
	}
	res.SkillID = env.SkillID
	res.SourceIdentity = env.SourceIdentity
	res.TargetIdentity = env.TargetIdentity
	res.Metadata.CorrelationID = env.Metadata.CorrelationID
	res = envelope.CheckOutput(res, card)
	res.Metadata.DurationMs = time.Since(started).Milliseconds()
	return res
}

func (a *Adapter) observe(ctx context.Context, span trace.Span, env envelope.TaskEnvelope, mode Mode, errorKind string, started time.Time) {
	elapsed := time.Since(started)
	status := string(envelope.StatusOK)
	if errorKind != "" {
		status = string(envelope.StatusError)
		span.SetStatus(codes.Error, errorKind)
	}
	span.SetAttributes(telemetry.ResultAttributes(status, errorKind, elapsed.Milliseconds())...)
	a.metrics.RecordInvocation(ctx, env.SkillID, modeLabel(mode), errorKind, elapsed)

	attrs := []any{
		slog.String("skill_id", env.SkillID),
		slog.String("target", env.TargetIdentity),
		slog.String("mode", modeLabel(mode)),
		slog.String("correlation_id", env.Metadata.CorrelationID),
		slog.Duration("duration", elapsed),
	}
	if errorKind != "" {
		a.logger.WarnContext(ctx, "skill call failed", append(attrs, slog.String("error_kind", errorKind))...)
		return
	}
	a.logger.DebugContext(ctx, "skill call completed", attrs...)
}

func modeLabel(mode Mode) string {
	if mode == "" {
		return "unrouted"
	}
	return string(mode)
}

func contextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.KindTimeout, "local call exceeded its deadline", err)
	}
	return errors.New(errors.KindTransportError, "caller cancelled the call", err)
}
