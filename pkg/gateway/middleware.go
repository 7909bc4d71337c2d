// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
)

// correlation takes the inbound correlation id, or creates one, stores it
// in the request context and echoes it on the response.
func (g *Gateway) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = envelope.NewCorrelationID()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(envelope.ContextWithCorrelationID(r.Context(), id)))
	})
}

// accessLog traces and logs every request once it completes.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/jllopis/relay/gateway")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		g.logger.Log(ctx, level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("correlation_id", ww.Header().Get(HeaderCorrelationID)),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

// recoverer turns a handler panic into a 500 for that request only.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id := w.Header().Get(HeaderCorrelationID)
			if id == "" {
				id, _ = envelope.CorrelationID(r.Context())
			}
			g.logger.ErrorContext(r.Context(), "handler panic",
				slog.String("path", r.URL.Path),
				slog.String("correlation_id", id),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, id, errors.Newf(errors.KindInternal, "request failed: %v", rec), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// deadline bounds the request context.
func (g *Gateway) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// errorBody is the response of failures that have no task result.
type errorBody struct {
	Error    *envelope.TaskError `json:"error"`
	Metadata struct {
		CorrelationID string `json:"correlation_id"`
	} `json:"metadata"`
}

func writeError(w http.ResponseWriter, correlationID string, err *errors.Error, status int) {
	body := errorBody{Error: &envelope.TaskError{
		Kind:    string(err.Kind),
		Message: err.Message,
		Details: err.Details,
	}}
	if err.Err != nil {
		body.Error.Message = fmt.Sprintf("%s: %v", err.Message, err.Err)
	}
	body.Metadata.CorrelationID = correlationID
	if correlationID != "" {
		w.Header().Set(HeaderCorrelationID, correlationID)
	}
	writeJSON(w, status, body)
}
