// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindTransportError, "remote call failed", cause)

	if err.Kind != KindTransportError {
		t.Errorf("expected KindTransportError, got %v", err.Kind)
	}
	if err.Message != "remote call failed" {
		t.Errorf("unexpected message %q", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
	if !err.Recoverable {
		t.Errorf("transport errors should be recoverable by default")
	}
}

func TestNewRecoverableDefaults(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTimeout, true},
		{KindTransportError, true},
		{KindContractViolation, false},
		{KindRoutingUnresolved, false},
		{KindUnsupportedSkill, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		if got := New(tt.kind, "x", nil).Recoverable; got != tt.want {
			t.Errorf("%s: expected recoverable=%v, got %v", tt.kind, tt.want, got)
		}
	}
}

func TestWithDetail(t *testing.T) {
	err := New(KindContractViolation, "input invalid", nil).
		WithDetail("skill_id", "iam_adk.check_adk_compliance").
		WithDetail("field", "target")

	if err.Details["skill_id"] != "iam_adk.check_adk_compliance" {
		t.Errorf("expected skill_id detail")
	}
	if err.Details["field"] != "target" {
		t.Errorf("expected field detail")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with cause",
			err:      New(KindTimeout, "call timed out", errors.New("deadline exceeded")),
			expected: "[timeout] call timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			err:      New(KindUnsupportedSkill, "skill not declared", nil),
			expected: "[unsupported_skill] skill not declared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAs(t *testing.T) {
	if As(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}

	typed := New(KindRoutingUnresolved, "no endpoint", nil)
	wrapped := fmt.Errorf("dispatch: %w", typed)
	if got := As(wrapped); got != typed {
		t.Errorf("expected the wrapped typed error to be returned")
	}

	plain := errors.New("boom")
	got := As(plain)
	if got.Kind != KindInternal {
		t.Errorf("expected plain errors to become internal, got %s", got.Kind)
	}
	if !errors.Is(got, plain) {
		t.Errorf("expected cause to be preserved")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindTimeout, "slow", nil))
	if !Is(err, KindTimeout) {
		t.Errorf("expected Is to see through wrapping")
	}
	if Is(err, KindTransportError) {
		t.Errorf("unexpected kind match")
	}
	if Is(nil, KindTimeout) {
		t.Errorf("nil must never match")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(KindTransportError, "remote failed", errors.New("unavailable")).
		WithDetail("code", "Unavailable")

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("marshal: %v", marshalErr)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["kind"] != "transport_error" {
		t.Errorf("expected kind in JSON, got %v", decoded["kind"])
	}
	if decoded["cause"] != "unavailable" {
		t.Errorf("expected cause in JSON, got %v", decoded["cause"])
	}
	if decoded["recoverable"] != true {
		t.Errorf("expected recoverable=true in JSON")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindTimeout:           http.StatusGatewayTimeout,
		KindContractViolation: http.StatusBadGateway,
		KindTransportError:    http.StatusBadGateway,
		KindRoutingUnresolved: http.StatusInternalServerError,
		KindUnsupportedSkill:  http.StatusBadRequest,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestGRPCCode(t *testing.T) {
	if GRPCCode(KindTimeout) != codes.DeadlineExceeded {
		t.Errorf("timeout should map to DeadlineExceeded")
	}
	if GRPCCode(KindRoutingUnresolved) != codes.NotFound {
		t.Errorf("routing_unresolved should map to NotFound")
	}
	if GRPCCode(Kind("bogus")) != codes.Unknown {
		t.Errorf("unknown kinds should map to Unknown")
	}
}

func TestKindValid(t *testing.T) {
	for _, kind := range Kinds() {
		if !kind.Valid() {
			t.Errorf("expected %s to be valid", kind)
		}
	}
	if Kind("nope").Valid() {
		t.Errorf("unexpected valid kind")
	}
}
