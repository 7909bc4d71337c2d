// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jllopis/relay/pkg/envelope"
)

func TestTraceHandlerAddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newSlogHandler(&buf, "debug", "json"))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()
	ctx = envelope.ContextWithCorrelationID(ctx, "corr-1")

	logger.InfoContext(ctx, "dispatched")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["correlation_id"] != "corr-1" {
		t.Errorf("expected correlation_id, got %v", record["correlation_id"])
	}
	if record["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace_id, got %v", record["trace_id"])
	}
	if record["span_id"] == nil {
		t.Errorf("expected span_id")
	}
}

func TestTraceHandlerKeepsExplicitCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newSlogHandler(&buf, "info", "json"))
	ctx := envelope.ContextWithCorrelationID(context.Background(), "from-context")

	logger.InfoContext(ctx, "dispatched", slog.String("correlation_id", "explicit"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["correlation_id"] != "explicit" {
		t.Errorf("expected explicit correlation id to win, got %v", record["correlation_id"])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("%q: expected %v, got %v", in, want, got)
		}
	}
}
