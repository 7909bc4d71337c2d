// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the request/response messages exchanged between
// agents and the rules that make them valid.
package envelope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a TaskResult.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// RequestMetadata travels with every envelope.
type RequestMetadata struct {
	CorrelationID string `json:"correlation_id"`
	Priority      int    `json:"priority,omitempty"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`
}

// TaskEnvelope is the structured request for invoking a skill on a target.
type TaskEnvelope struct {
	SkillID        string          `json:"skill_id"`
	SourceIdentity string          `json:"source_identity"`
	TargetIdentity string          `json:"target_identity"`
	Input          map[string]any  `json:"input"`
	Context        json.RawMessage `json:"context,omitempty"`
	Metadata       RequestMetadata `json:"metadata"`
}

// Timeout returns the requested timeout, or zero when none was set.
func (e TaskEnvelope) Timeout() time.Duration {
	if e.Metadata.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(e.Metadata.TimeoutMs) * time.Millisecond
}

// TaskError is the error object of a failed result.
type TaskError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// MarshalJSON always writes details as an object.
func (e TaskError) MarshalJSON() ([]byte, error) {
	type plain TaskError
	wire := plain(e)
	if wire.Details == nil {
		wire.Details = map[string]any{}
	}
	return json.Marshal(wire)
}

// ResultMetadata echoes the request correlation id and adds the call duration.
type ResultMetadata struct {
	CorrelationID string `json:"correlation_id"`
	DurationMs    int64  `json:"duration_ms"`
}

// TaskResult is the structured response to a TaskEnvelope.
type TaskResult struct {
	SkillID        string         `json:"skill_id"`
	TargetIdentity string         `json:"target_identity"`
	SourceIdentity string         `json:"source_identity"`
	Status         Status         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *TaskError     `json:"error,omitempty"`
	Metadata       ResultMetadata `json:"metadata"`
}

// MarshalJSON always includes output for ok results, even when empty, and
// never for error results.
func (r TaskResult) MarshalJSON() ([]byte, error) {
	type plain TaskResult
	wire := struct {
		plain
		Output json.RawMessage `json:"output,omitempty"`
	}{plain: plain(r)}
	if r.Status == StatusOK {
		output := r.Output
		if output == nil {
			output = map[string]any{}
		}
		data, err := json.Marshal(output)
		if err != nil {
			return nil, err
		}
		wire.Output = data
	}
	return json.Marshal(wire)
}

// OK reports whether the result succeeded.
func (r TaskResult) OK() bool {
	return r.Status == StatusOK
}

// ErrorKind returns the error kind of a failed result, or "".
func (r TaskResult) ErrorKind() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// Option customizes a request built by NewRequest.
type Option func(*TaskEnvelope)

// WithCorrelationID sets an explicit correlation id.
func WithCorrelationID(id string) Option {
	return func(e *TaskEnvelope) {
		if id != "" {
			e.Metadata.CorrelationID = id
		}
	}
}

// WithContext attaches an opaque pass-through context object.
func WithContext(raw json.RawMessage) Option {
	return func(e *TaskEnvelope) {
		e.Context = append(json.RawMessage(nil), raw...)
	}
}

// WithPriority sets the request priority.
func WithPriority(priority int) Option {
	return func(e *TaskEnvelope) {
		e.Metadata.Priority = priority
	}
}

// WithTimeout sets a per-request timeout hint.
func WithTimeout(d time.Duration) Option {
	return func(e *TaskEnvelope) {
		if d > 0 {
			e.Metadata.TimeoutMs = d.Milliseconds()
		}
	}
}

// NewRequest builds an envelope. The correlation id is the one supplied with
// WithCorrelationID, else the one carried by ctx, else a new one.
func NewRequest(ctx context.Context, source, target, skillID string, input map[string]any, opts ...Option) TaskEnvelope {
	env := TaskEnvelope{
		SkillID:        skillID,
		SourceIdentity: source,
		TargetIdentity: target,
		Input:          input,
	}
	if id, ok := CorrelationID(ctx); ok {
		env.Metadata.CorrelationID = id
	}
	for _, opt := range opts {
		opt(&env)
	}
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = NewCorrelationID()
	}
	return env
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EnsureCorrelationID fills in a missing correlation id on env.
func EnsureCorrelationID(env *TaskEnvelope) string {
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = NewCorrelationID()
	}
	return env.Metadata.CorrelationID
}

type correlationKey struct{}

// ContextWithCorrelationID attaches a correlation id to ctx so nested calls
// reuse it.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx.
func CorrelationID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}
