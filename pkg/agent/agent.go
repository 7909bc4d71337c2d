// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent defines the Agent boundary and the function-backed, lazy and
// registry helpers built on it.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

// Agent is the only stable boundary between callers and agent implementations.
type Agent interface {
	// Describe returns the agent's card. Callers receive a copy.
	Describe() *agentcard.AgentCard
	// Invoke performs the requested skill and always returns a result.
	Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
}

// Streamer is implemented by agents that can emit output incrementally.
type Streamer interface {
	Stream(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream
}

// Handler executes one skill.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// StreamHandler executes one skill, emitting fragments through yield. It
// should finish with a stream.Final fragment.
type StreamHandler func(ctx context.Context, input map[string]any, yield func(stream.Fragment) bool) error

// Func is an Agent backed by per-skill handler functions.
type Func struct {
	card     *agentcard.AgentCard
	handlers map[string]Handler
	streams  map[string]StreamHandler
	logger   *slog.Logger
}

// Option configures a Func agent.
type Option func(*Func) error

// WithHandler registers the handler for a declared skill.
func WithHandler(skillID string, h Handler) Option {
	return func(a *Func) error {
		if h == nil {
			return fmt.Errorf("nil handler for skill %q", skillID)
		}
		a.handlers[skillID] = h
		return nil
	}
}

// WithStreamHandler registers a streaming handler for a declared skill.
func WithStreamHandler(skillID string, h StreamHandler) Option {
	return func(a *Func) error {
		if h == nil {
			return fmt.Errorf("nil stream handler for skill %q", skillID)
		}
		a.streams[skillID] = h
		return nil
	}
}

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Func) error {
		a.logger = logger
		return nil
	}
}

// New creates a function-backed agent. The card must be valid and every
// declared skill must have a handler.
func New(card *agentcard.AgentCard, opts ...Option) (*Func, error) {
	if violations := agentcard.Validate(card); len(violations) > 0 {
		return nil, &agentcard.ValidationError{Source: "agent.New", Violations: violations}
	}
	a := &Func{
		card:     card.Clone(),
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamHandler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	for id := range a.handlers {
		if _, ok := a.card.Skill(id); !ok {
			return nil, fmt.Errorf("handler registered for undeclared skill %q", id)
		}
	}
	for id := range a.streams {
		if _, ok := a.card.Skill(id); !ok {
			return nil, fmt.Errorf("stream handler registered for undeclared skill %q", id)
		}
	}
	for _, id := range a.card.SkillIDs() {
		_, h := a.handlers[id]
		_, s := a.streams[id]
		if !h && !s {
			return nil, fmt.Errorf("skill %q has no handler", id)
		}
	}
	return a, nil
}

// Describe returns a copy of the agent's card.
func (a *Func) Describe() *agentcard.AgentCard {
	return a.card.Clone()
}

// Invoke validates env, runs the skill handler and checks its output.
// Handler errors and panics become internal_error results.
func (a *Func) Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
	started := time.Now()
	envelope.EnsureCorrelationID(&env)
	if err := envelope.ValidateRequest(env, a.card); err != nil {
		return envelope.Failure(env, err, started)
	}
	ctx = envelope.ContextWithCorrelationID(ctx, env.Metadata.CorrelationID)

	handler, ok := a.handlers[env.SkillID]
	if !ok {
		return envelope.CheckOutput(a.Stream(ctx, env).Collect(env, started), a.card)
	}

	output, err := a.call(ctx, env, handler)
	if err != nil {
		a.logger.Warn("skill handler failed",
			slog.String("agent", a.card.Name),
			slog.String("skill_id", env.SkillID),
			slog.String("correlation_id", env.Metadata.CorrelationID),
			slog.String("error", err.Error()),
		)
		return envelope.Failure(env, err, started)
	}
	return envelope.CheckOutput(envelope.OK(env, output, started), a.card)
}

// Stream runs the skill's streaming handler, or wraps Invoke as a single
// final fragment when the skill has none.
func (a *Func) Stream(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream {
	envelope.EnsureCorrelationID(&env)
	if err := envelope.ValidateRequest(env, a.card); err != nil {
		return stream.Failed(ctx, env.Metadata.CorrelationID, err)
	}
	ctx = envelope.ContextWithCorrelationID(ctx, env.Metadata.CorrelationID)
	handler, ok := a.streams[env.SkillID]
	if !ok {
		return stream.New(ctx, env.Metadata.CorrelationID, func(ctx context.Context, yield func(stream.Fragment) bool) error {
			res := a.Invoke(ctx, env)
			if !res.OK() {
				return res.Err()
			}
			yield(stream.Final(res.Output))
			return nil
		})
	}
	return stream.New(ctx, env.Metadata.CorrelationID, func(ctx context.Context, yield func(stream.Fragment) bool) error {
		return handler(ctx, env.Input, func(f stream.Fragment) bool {
			if f.Kind == stream.KindFinal && f.Output != nil {
				checked := envelope.CheckOutput(envelope.OK(env, f.Output, time.Time{}), a.card)
				if !checked.OK() {
					return yield(stream.Fragment{Kind: stream.KindError, Error: checked.Error})
				}
			}
			return yield(f)
		})
	})
}

func (a *Func) call(ctx context.Context, env envelope.TaskEnvelope, handler Handler) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.KindInternal, "skill %s panicked: %v", env.SkillID, r)
		}
	}()
	output, err = handler(ctx, env.Input)
	if err != nil {
		if typed := errors.As(err); typed.Kind.Valid() && typed.Kind != errors.KindInternal {
			return nil, typed
		}
		return nil, errors.New(errors.KindInternal, "skill handler failed", err).
			WithDetail("skill_id", env.SkillID)
	}
	return output, nil
}
