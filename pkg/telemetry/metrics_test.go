// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRecordInvocation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewInvocationMetrics(provider)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	ctx := context.Background()

	m.RecordInvocation(ctx, "iam_adk.check_adk_compliance", "local", "", 5*time.Millisecond)
	m.RecordInvocation(ctx, "iam_adk.check_adk_compliance", "remote", "timeout", time.Second)
	m.RecordOutcome(ctx, "iam_adk.check_adk_compliance", "skipped")

	if got := collectSum(t, reader, "relay.invocations.total"); got != 2 {
		t.Fatalf("expected 2 invocations, got %d", got)
	}
	if got := collectSum(t, reader, "relay.orchestrator.outcomes.total"); got != 1 {
		t.Fatalf("expected 1 outcome, got %d", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *InvocationMetrics
	m.RecordInvocation(context.Background(), "x", "local", "", time.Millisecond)
	m.RecordOutcome(context.Background(), "x", "completed")
}
