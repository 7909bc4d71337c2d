// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

// Factory constructs an agent.
type Factory func(ctx context.Context) (Agent, error)

// LazyAgent defers construction until first use. Concurrent first calls
// share a single construction. A failed construction is not memoized.
type LazyAgent struct {
	card    *agentcard.AgentCard
	factory Factory
	group   singleflight.Group

	mu    sync.RWMutex
	built Agent
}

// Lazy wraps factory. When card is non-nil Describe answers from it without
// constructing the agent, and the constructed agent must carry the same identity.
func Lazy(card *agentcard.AgentCard, factory Factory) *LazyAgent {
	return &LazyAgent{card: card.Clone(), factory: factory}
}

// Get returns the constructed agent, building it on first use.
func (l *LazyAgent) Get(ctx context.Context) (Agent, error) {
	l.mu.RLock()
	built := l.built
	l.mu.RUnlock()
	if built != nil {
		return built, nil
	}

	v, err, _ := l.group.Do("build", func() (any, error) {
		l.mu.RLock()
		existing := l.built
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		a, err := l.factory(ctx)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("agent factory returned nil")
		}
		if l.card != nil {
			if got := a.Describe(); got == nil || got.Identity != l.card.Identity {
				return nil, fmt.Errorf("constructed agent identity does not match %s", l.card.Identity)
			}
		}
		l.mu.Lock()
		l.built = a
		l.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Agent), nil
}

// Built reports whether construction has happened.
func (l *LazyAgent) Built() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.built != nil
}

// Describe returns the static card when one was supplied, otherwise the
// constructed agent's card. It returns nil when construction fails.
func (l *LazyAgent) Describe() *agentcard.AgentCard {
	if l.card != nil {
		return l.card.Clone()
	}
	a, err := l.Get(context.Background())
	if err != nil {
		return nil
	}
	return a.Describe()
}

// Invoke constructs the agent if needed and delegates to it.
func (l *LazyAgent) Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
	started := time.Now()
	a, err := l.Get(ctx)
	if err != nil {
		return envelope.Failure(env, errors.New(errors.KindInternal, "agent construction failed", err), started)
	}
	return a.Invoke(ctx, env)
}

// Stream constructs the agent if needed and streams from it.
func (l *LazyAgent) Stream(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream {
	a, err := l.Get(ctx)
	if err != nil {
		return stream.Failed(ctx, env.Metadata.CorrelationID, errors.New(errors.KindInternal, "agent construction failed", err))
	}
	if s, ok := a.(Streamer); ok {
		return s.Stream(ctx, env)
	}
	return stream.FromResult(ctx, a.Invoke(ctx, env))
}
