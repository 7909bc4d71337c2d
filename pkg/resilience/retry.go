// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry and circuit breaker policies for
// delegated skill calls.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the initial backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried.
	// If nil, only timeout and transport_error are retried.
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1; 0.1 means ±10% jitter.
	Jitter float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: Recoverable,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a new config with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do executes fn until it succeeds, fails with an unrecoverable error, or
// runs out of attempts, and returns the last error. A context cancelled
// while waiting between attempts ends the loop with the last error.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	_, err := rc.do(ctx, fn)
	return err
}

func (rc RetryConfig) do(ctx context.Context, fn func() error) (int, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = Recoverable
	}

	var lastErr error
	attempt := 0
	for ; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(attempt, rc))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, lastErr
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !rc.IsRecoverable(err) {
			return attempt + 1, err
		}
	}
	return attempt, lastErr
}

// calculateBackoff computes exponential backoff delay with jitter.
func calculateBackoff(attempt int, rc RetryConfig) time.Duration {
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = time.Duration(float64(delay) + 2*spread*(rand.Float64()-0.5))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Recoverable reports whether err is worth retrying: only timeouts and
// transport failures are, unless the error was marked unrecoverable.
// Contract, routing and skill errors are deterministic and would fail again.
func Recoverable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindTimeout, errors.KindTransportError:
	default:
		return false
	}
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return typed.Recoverable
	}
	return true
}

// Policy holds the retry configuration of the skills declared safe to
// repeat. Every other skill is attempted exactly once.
type Policy struct {
	mu   sync.RWMutex
	safe map[string]RetryConfig
}

// NewPolicy creates a policy with no retryable skills.
func NewPolicy() *Policy {
	return &Policy{safe: make(map[string]RetryConfig)}
}

// Safe marks skillID as safe to retry with cfg.
func (p *Policy) Safe(skillID string, cfg RetryConfig) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.safe[skillID] = cfg
	return p
}

// Retryable reports whether skillID may be attempted more than once.
func (p *Policy) Retryable(skillID string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.safe[skillID]
	return ok && cfg.MaxAttempts > 1
}

// Invoke runs call for env, retrying when the skill is safe to repeat and
// the result failed with a recoverable kind. It returns the last result and
// the number of attempts made.
func (p *Policy) Invoke(ctx context.Context, env envelope.TaskEnvelope, call func(context.Context, envelope.TaskEnvelope) envelope.TaskResult) (envelope.TaskResult, int) {
	cfg := RetryConfig{MaxAttempts: 1}
	if p != nil {
		p.mu.RLock()
		if safe, ok := p.safe[env.SkillID]; ok {
			cfg = safe
		}
		p.mu.RUnlock()
	}

	var result envelope.TaskResult
	attempts, _ := cfg.do(ctx, func() error {
		result = call(ctx, env)
		return result.Err()
	})
	return result, attempts
}
