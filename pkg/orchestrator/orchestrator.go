// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator fans one task out to several targets and aggregates
// the per-target outcomes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/relay/pkg/audit"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/telemetry"
)

// Outcome is the per-target result of a run.
type Outcome string

const (
	// OutcomeCompleted means the call was attempted and returned ok.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkipped means the target was known to be unavailable and no
	// call was made.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeErrored means the call was attempted and failed.
	OutcomeErrored Outcome = "errored"
)

// DefaultConcurrency bounds the number of targets called at once.
const DefaultConcurrency = 8

// Invoker performs one routed call. *routing.Adapter satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
}

// Availability reports whether a target is worth calling.
// *health.Availability satisfies it.
type Availability interface {
	Available(ctx context.Context, env envelope.TaskEnvelope) error
}

// Task is the unit of work sent to every target.
type Task struct {
	SkillID        string          `json:"skill_id"`
	SourceIdentity string          `json:"source_identity"`
	Input          map[string]any  `json:"input"`
	Context        json.RawMessage `json:"context,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty"`
}

// TargetOutcome is the detail kept for one target.
type TargetOutcome struct {
	TargetIdentity string               `json:"target_identity"`
	Outcome        Outcome              `json:"outcome"`
	Reason         string               `json:"reason,omitempty"`
	Attempts       int                  `json:"attempts"`
	Result         *envelope.TaskResult `json:"result,omitempty"`
}

// Aggregate summarizes a run. Targets keep the order they were given in.
type Aggregate struct {
	RunID         string          `json:"run_id"`
	CorrelationID string          `json:"correlation_id"`
	SkillID       string          `json:"skill_id"`
	Total         int             `json:"total"`
	Completed     int             `json:"completed"`
	Skipped       int             `json:"skipped"`
	Errored       int             `json:"errored"`
	Targets       []TargetOutcome `json:"targets"`
	DurationMs    int64           `json:"duration_ms"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAvailability sets the check run before each call. Without one every
// target is attempted.
func WithAvailability(a Availability) Option {
	return func(o *Orchestrator) {
		o.availability = a
	}
}

// WithPolicy sets the per-skill retry policy.
func WithPolicy(p *resilience.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithBreakers enables per-target circuit breakers. A target whose breaker
// is open is skipped.
func WithBreakers(b *resilience.Breakers) Option {
	return func(o *Orchestrator) {
		o.breakers = b
	}
}

// WithStore persists every target outcome after its call returns.
func WithStore(s audit.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *telemetry.InvocationMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithConcurrency bounds concurrent target calls. Values below 1 mean
// sequential.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator issues one envelope per target and merges the results.
type Orchestrator struct {
	invoker      Invoker
	availability Availability
	policy       *resilience.Policy
	breakers     *resilience.Breakers
	store        audit.Store
	metrics      *telemetry.InvocationMetrics
	concurrency  int
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an orchestrator calling targets through invoker.
func New(invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:     invoker,
		concurrency: DefaultConcurrency,
		tracer:      otel.Tracer("github.com/jllopis/relay/orchestrator"),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run sends task to every target and waits for all of them. A skipped or
// failed target never stops the others; ctx cancellation reaches each call
// through its own context only.
func (o *Orchestrator) Run(ctx context.Context, task Task, targets []string) Aggregate {
	started := o.now()
	correlationID := task.CorrelationID
	if correlationID == "" {
		if id, ok := envelope.CorrelationID(ctx); ok {
			correlationID = id
		} else {
			correlationID = envelope.NewCorrelationID()
		}
	}
	ctx = envelope.ContextWithCorrelationID(ctx, correlationID)

	agg := Aggregate{
		RunID:         uuid.NewString(),
		CorrelationID: correlationID,
		SkillID:       task.SkillID,
		Total:         len(targets),
		Targets:       make([]TargetOutcome, len(targets)),
	}

	ctx, span := o.tracer.Start(ctx, "relay.orchestrator.run",
		trace.WithAttributes(
			attribute.String(telemetry.AttrSkillID, task.SkillID),
			attribute.String(telemetry.AttrCorrelationID, correlationID),
			attribute.Int(telemetry.AttrTargetsCount, len(targets)),
		),
	)
	defer span.End()

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			agg.Targets[i] = o.runTarget(ctx, agg.RunID, task, correlationID, target)
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range agg.Targets {
		switch t.Outcome {
		case OutcomeCompleted:
			agg.Completed++
		case OutcomeSkipped:
			agg.Skipped++
		case OutcomeErrored:
			agg.Errored++
		}
	}
	agg.DurationMs = o.now().Sub(started).Milliseconds()

	span.SetAttributes(
		attribute.Int("relay.orchestrator.completed", agg.Completed),
		attribute.Int("relay.orchestrator.skipped", agg.Skipped),
		attribute.Int("relay.orchestrator.errored", agg.Errored),
	)
	o.logger.InfoContext(ctx, "fan-out finished",
		slog.String("run_id", agg.RunID),
		slog.String("skill_id", task.SkillID),
		slog.Int("total", agg.Total),
		slog.Int("completed", agg.Completed),
		slog.Int("skipped", agg.Skipped),
		slog.Int("errored", agg.Errored),
		slog.Int64("duration_ms", agg.DurationMs),
	)
	return agg
}

func (o *Orchestrator) runTarget(ctx context.Context, runID string, task Task, correlationID, target string) (out TargetOutcome) {
	started := o.now()
	out = TargetOutcome{TargetIdentity: target}
	env := envelope.NewRequest(ctx, task.SourceIdentity, target, task.SkillID, copyInput(task.Input),
		envelope.WithCorrelationID(correlationID),
		envelope.WithPriority(task.Priority),
	)
	if len(task.Context) > 0 {
		env.Context = append(json.RawMessage(nil), task.Context...)
	}
	env.Metadata.TimeoutMs = task.TimeoutMs

	defer func() {
		if r := recover(); r != nil {
			out = TargetOutcome{
				TargetIdentity: target,
				Outcome:        OutcomeErrored,
				Reason:         fmt.Sprintf("panic: %v", r),
				Attempts:       out.Attempts,
			}
		}
		o.persist(ctx, runID, env, out, started)
		o.metrics.RecordOutcome(ctx, task.SkillID, string(out.Outcome))
	}()

	if o.availability != nil {
		if err := o.availability.Available(ctx, env); err != nil {
			out.Outcome = OutcomeSkipped
			out.Reason = err.Error()
			return out
		}
	}

	var breaker *resilience.CircuitBreaker
	if o.breakers != nil {
		breaker = o.breakers.For(target)
		if !breaker.Allow() {
			out.Outcome = OutcomeSkipped
			out.Reason = "circuit open"
			return out
		}
	}

	result, attempts := o.policy.Invoke(ctx, env, o.invoker.Invoke)
	if breaker != nil {
		breaker.Record(result.Err())
	}
	out.Attempts = attempts
	out.Result = &result
	if result.OK() {
		out.Outcome = OutcomeCompleted
	} else {
		out.Outcome = OutcomeErrored
		if result.Error != nil {
			out.Reason = result.Error.Kind
		}
	}
	return out
}

// persist writes out to the store. Store failures are logged, never turned
// into a target outcome.
func (o *Orchestrator) persist(ctx context.Context, runID string, env envelope.TaskEnvelope, out TargetOutcome, started time.Time) {
	if o.store == nil {
		return
	}
	record := audit.Record{
		RunID:          runID,
		CorrelationID:  env.Metadata.CorrelationID,
		SkillID:        env.SkillID,
		SourceIdentity: env.SourceIdentity,
		TargetIdentity: out.TargetIdentity,
		Outcome:        string(out.Outcome),
		Attempts:       out.Attempts,
		StartedAt:      started,
		FinishedAt:     o.now(),
	}
	if out.Result != nil {
		record.Status = string(out.Result.Status)
		if out.Result.OK() {
			record.Output = out.Result.Output
		}
		if out.Result.Error != nil {
			record.ErrorKind = out.Result.Error.Kind
			record.ErrorMessage = out.Result.Error.Message
		}
	} else {
		record.ErrorMessage = out.Reason
	}
	if err := o.store.Record(context.WithoutCancel(ctx), record); err != nil {
		o.logger.WarnContext(ctx, "audit record failed",
			slog.String("run_id", runID),
			slog.String("target", out.TargetIdentity),
			slog.String("error", err.Error()),
		)
	}
}

// copyInput gives every target its own top-level input map.
func copyInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
