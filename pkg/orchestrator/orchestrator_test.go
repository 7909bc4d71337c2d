// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/audit"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/routing"
	"github.com/jllopis/relay/pkg/stream"
)

const (
	foremanID = "spiffe://relay.local/agent/foreman/dev/us-central1/0.1.0"
	adkID     = "spiffe://relay.local/agent/iam-adk/dev/us-central1/0.1.0"
	issueID   = "spiffe://relay.local/agent/iam-issue/dev/us-central1/0.1.0"
	qaID      = "spiffe://relay.local/agent/iam-qa/dev/us-central1/0.1.0"

	runChecks = "iam_qa.run_checks"
)

type invokerFunc func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult

func (f invokerFunc) Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
	return f(ctx, env)
}

type availabilityFunc func(ctx context.Context, env envelope.TaskEnvelope) error

func (f availabilityFunc) Available(ctx context.Context, env envelope.TaskEnvelope) error {
	return f(ctx, env)
}

func okResult(env envelope.TaskEnvelope) envelope.TaskResult {
	return envelope.OK(env, map[string]any{"passed": true}, time.Now())
}

func failed(env envelope.TaskEnvelope, kind errors.Kind) envelope.TaskResult {
	return envelope.Failure(env, errors.Newf(kind, "%s failed", env.TargetIdentity), time.Now())
}

func task() Task {
	return Task{SkillID: runChecks, SourceIdentity: foremanID, Input: map[string]any{"target": "agents/bob"}}
}

func TestRun_MixedOutcomes(t *testing.T) {
	store := audit.NewMemoryStore()
	o := New(
		invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
			if env.TargetIdentity == qaID {
				return failed(env, errors.KindTransportError)
			}
			return okResult(env)
		}),
		WithAvailability(availabilityFunc(func(ctx context.Context, env envelope.TaskEnvelope) error {
			if env.TargetIdentity == issueID {
				return stderrors.New("iam-issue is not deployed")
			}
			return nil
		})),
		WithStore(store),
	)

	agg := o.Run(context.Background(), task(), []string{adkID, issueID, qaID})

	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.Completed)
	assert.Equal(t, 1, agg.Skipped)
	assert.Equal(t, 1, agg.Errored)
	require.Len(t, agg.Targets, 3)

	assert.Equal(t, adkID, agg.Targets[0].TargetIdentity)
	assert.Equal(t, OutcomeCompleted, agg.Targets[0].Outcome)
	require.NotNil(t, agg.Targets[0].Result)
	assert.Equal(t, map[string]any{"passed": true}, agg.Targets[0].Result.Output)

	assert.Equal(t, OutcomeSkipped, agg.Targets[1].Outcome)
	assert.Nil(t, agg.Targets[1].Result)
	assert.Equal(t, 0, agg.Targets[1].Attempts)
	assert.Contains(t, agg.Targets[1].Reason, "not deployed")

	assert.Equal(t, OutcomeErrored, agg.Targets[2].Outcome)
	require.NotNil(t, agg.Targets[2].Result)
	assert.Equal(t, string(errors.KindTransportError), agg.Targets[2].Result.ErrorKind())
	assert.Equal(t, 1, agg.Targets[2].Attempts)

	records, err := store.List(context.Background(), audit.Filter{RunID: agg.RunID})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	errored, err := store.List(context.Background(), audit.Filter{Outcome: string(OutcomeErrored)})
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, "transport_error", errored[0].ErrorKind)
	assert.Equal(t, agg.CorrelationID, errored[0].CorrelationID)
}

func TestRun_AggregateJSON(t *testing.T) {
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		return okResult(env)
	}))
	agg := o.Run(context.Background(), task(), []string{adkID})

	data, err := json.Marshal(agg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["total"])
	assert.EqualValues(t, 1, decoded["completed"])
	assert.Equal(t, agg.CorrelationID, decoded["correlation_id"])
	targets := decoded["targets"].([]any)
	require.Len(t, targets, 1)
	assert.Equal(t, "completed", targets[0].(map[string]any)["outcome"])
}

func TestRun_CorrelationIDIsShared(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		mu.Lock()
		seen[env.TargetIdentity] = env.Metadata.CorrelationID
		mu.Unlock()
		return okResult(env)
	}))

	ctx := envelope.ContextWithCorrelationID(context.Background(), "corr-batch")
	agg := o.Run(ctx, task(), []string{adkID, issueID, qaID})

	assert.Equal(t, "corr-batch", agg.CorrelationID)
	for _, target := range []string{adkID, issueID, qaID} {
		assert.Equal(t, "corr-batch", seen[target], target)
	}
	for _, t2 := range agg.Targets {
		assert.Equal(t, "corr-batch", t2.Result.Metadata.CorrelationID)
	}

	explicit := task()
	explicit.CorrelationID = "corr-explicit"
	agg = o.Run(ctx, explicit, []string{adkID})
	assert.Equal(t, "corr-explicit", agg.CorrelationID)
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	release := make(chan struct{})
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		switch env.TargetIdentity {
		case adkID:
			panic("handler exploded")
		case issueID:
			<-release
		}
		return okResult(env)
	}), WithConcurrency(3))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	agg := o.Run(context.Background(), task(), []string{adkID, issueID, qaID})

	assert.Equal(t, 1, agg.Errored)
	assert.Equal(t, 2, agg.Completed)
	assert.Equal(t, OutcomeErrored, agg.Targets[0].Outcome)
	assert.Contains(t, agg.Targets[0].Reason, "handler exploded")
	assert.Equal(t, OutcomeCompleted, agg.Targets[1].Outcome)
	assert.Equal(t, OutcomeCompleted, agg.Targets[2].Outcome)
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return okResult(env)
	}), WithConcurrency(2))

	targets := []string{adkID, issueID, qaID, adkID, issueID, qaID}
	agg := o.Run(context.Background(), task(), targets)

	assert.Equal(t, 6, agg.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, target := range targets {
		assert.Equal(t, target, agg.Targets[i].TargetIdentity)
	}
}

func TestRun_RetriesOnlySafeSkills(t *testing.T) {
	var calls atomic.Int32
	flaky := invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		if calls.Add(1) < 3 {
			return failed(env, errors.KindTimeout)
		}
		return okResult(env)
	})
	retry := resilience.DefaultRetryConfig().
		WithMaxAttempts(3).
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(2 * time.Millisecond)

	o := New(flaky, WithPolicy(resilience.NewPolicy().Safe(runChecks, retry)))
	agg := o.Run(context.Background(), task(), []string{qaID})
	require.Equal(t, OutcomeCompleted, agg.Targets[0].Outcome)
	assert.Equal(t, 3, agg.Targets[0].Attempts)

	calls.Store(0)
	o = New(flaky, WithPolicy(resilience.NewPolicy()))
	agg = o.Run(context.Background(), task(), []string{qaID})
	assert.Equal(t, OutcomeErrored, agg.Targets[0].Outcome)
	assert.Equal(t, 1, agg.Targets[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_RoutingUnresolvedIsNeverRetried(t *testing.T) {
	var calls atomic.Int32
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		calls.Add(1)
		return failed(env, errors.KindRoutingUnresolved)
	}), WithPolicy(resilience.NewPolicy().Safe(runChecks, resilience.DefaultRetryConfig().WithMaxAttempts(5).WithInitialDelay(time.Millisecond))))

	agg := o.Run(context.Background(), task(), []string{qaID})
	assert.Equal(t, OutcomeErrored, agg.Targets[0].Outcome)
	assert.Equal(t, "routing_unresolved", agg.Targets[0].Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_OpenBreakerSkipsTarget(t *testing.T) {
	var calls atomic.Int32
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		calls.Add(1)
		return failed(env, errors.KindTransportError)
	}), WithBreakers(resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})))

	first := o.Run(context.Background(), task(), []string{qaID})
	assert.Equal(t, OutcomeErrored, first.Targets[0].Outcome)

	second := o.Run(context.Background(), task(), []string{qaID})
	assert.Equal(t, OutcomeSkipped, second.Targets[0].Outcome)
	assert.Equal(t, "circuit open", second.Targets[0].Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_EmptyTargets(t *testing.T) {
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		t.Fatal("no call expected")
		return envelope.TaskResult{}
	}))
	agg := o.Run(context.Background(), task(), nil)
	assert.Equal(t, 0, agg.Total)
	assert.Empty(t, agg.Targets)
	assert.NotEmpty(t, agg.CorrelationID)
}

type failingStore struct{}

func (failingStore) Record(context.Context, audit.Record) error {
	return stderrors.New("disk full")
}

func (failingStore) List(context.Context, audit.Filter) ([]audit.Record, error) {
	return nil, nil
}

func TestRun_StoreFailureDoesNotChangeOutcome(t *testing.T) {
	o := New(invokerFunc(func(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult {
		return okResult(env)
	}), WithStore(failingStore{}))
	agg := o.Run(context.Background(), task(), []string{adkID})
	assert.Equal(t, 1, agg.Completed)
}

// remoteFake fails every networked call as a transport error.
type remoteFake struct{}

func (remoteFake) Invoke(ctx context.Context, endpoint string, env envelope.TaskEnvelope) envelope.TaskResult {
	return envelope.Failure(env, errors.New(errors.KindTransportError, "connection refused", nil).WithDetail("code", "Unavailable"), time.Now())
}

func (remoteFake) Stream(ctx context.Context, endpoint string, env envelope.TaskEnvelope) *stream.Stream {
	return stream.Failed(ctx, env.Metadata.CorrelationID, errors.New(errors.KindTransportError, "connection refused", nil))
}

func skillCard(name, identity string) *agentcard.AgentCard {
	return &agentcard.AgentCard{
		Name:     name,
		Version:  "0.1.0",
		Identity: identity,
		Skills: []agentcard.Skill{{
			ID:           runChecks,
			Name:         "Run checks",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"}},"required":["target"]}`),
			OutputSchema: json.RawMessage(`{"type":"object","properties":{"passed":{"type":"boolean"}},"required":["passed"]}`),
		}},
	}
}

func TestRun_MixedOutcomesThroughRouting(t *testing.T) {
	adk, err := agent.New(skillCard("iam-adk", adkID), agent.WithHandler(runChecks, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"passed": true}, nil
	}))
	require.NoError(t, err)

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(adk))
	require.NoError(t, registry.RegisterCard(skillCard("iam-qa", qaID)))

	table := routing.MustTable("dev",
		[]routing.Flag{{Source: "foreman", Target: "iam-qa", Remote: true}},
		[]routing.Endpoint{{Target: "iam-qa", URL: "grpc://iam-qa.internal:9090"}},
	)
	adapter := routing.NewAdapter(registry, table, routing.WithRemote(remoteFake{}))
	store := audit.NewMemoryStore()

	o := New(adapter,
		WithAvailability(health.NewAvailability(adapter, nil)),
		WithStore(store),
	)
	agg := o.Run(context.Background(), task(), []string{adkID, issueID, qaID})

	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.Completed)
	assert.Equal(t, 1, agg.Skipped)
	assert.Equal(t, 1, agg.Errored)
	assert.Equal(t, OutcomeCompleted, agg.Targets[0].Outcome)
	assert.Equal(t, OutcomeSkipped, agg.Targets[1].Outcome)
	assert.Equal(t, OutcomeErrored, agg.Targets[2].Outcome)
	require.NotNil(t, agg.Targets[2].Result)
	assert.Equal(t, "transport_error", agg.Targets[2].Result.ErrorKind())
	assert.Equal(t, "Unavailable", agg.Targets[2].Result.Error.Details["code"])

	records, err := store.List(context.Background(), audit.Filter{RunID: agg.RunID, Outcome: string(OutcomeSkipped)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, issueID, records[0].TargetIdentity)
}
