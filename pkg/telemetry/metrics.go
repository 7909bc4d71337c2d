// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jllopis/relay"

// InvocationMetrics counts skill calls and orchestrator outcomes.
type InvocationMetrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	outcomes    metric.Int64Counter
}

// NewInvocationMetrics creates the relay instruments on provider. A nil
// provider uses the global one.
func NewInvocationMetrics(provider metric.MeterProvider) (*InvocationMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	invocations, err := meter.Int64Counter(
		"relay.invocations.total",
		metric.WithDescription("Skill calls by skill, route mode, status and error kind"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"relay.invocation.duration",
		metric.WithDescription("Skill call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"relay.orchestrator.outcomes.total",
		metric.WithDescription("Orchestrator per-target outcomes"),
	)
	if err != nil {
		return nil, err
	}

	return &InvocationMetrics{invocations: invocations, duration: duration, outcomes: outcomes}, nil
}

// RecordInvocation records one finished call. errorKind is empty on success.
func (m *InvocationMetrics) RecordInvocation(ctx context.Context, skillID, mode, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if errorKind != "" {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrSkillID, skillID),
		attribute.String(AttrRouteMode, mode),
		attribute.String(AttrResultStatus, status),
		attribute.String(AttrErrorKind, errorKind),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordOutcome records one orchestrator target outcome.
func (m *InvocationMetrics) RecordOutcome(ctx context.Context, skillID, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrSkillID, skillID),
		attribute.String(AttrOutcome, outcome),
	))
}
