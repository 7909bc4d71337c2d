// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy surfaced in TaskResult.error.kind.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies a failed call. It is the value of TaskResult.error.kind.
type Kind string

const (
	// KindContractViolation indicates input or output failed its declared skill schema,
	// or a remote peer answered with something that is not a valid protocol message.
	KindContractViolation Kind = "contract_violation"

	// KindRoutingUnresolved indicates remote mode was selected without a configured
	// endpoint, or the target identity is unknown.
	KindRoutingUnresolved Kind = "routing_unresolved"

	// KindTimeout indicates a call exceeded its bounded deadline.
	KindTimeout Kind = "timeout"

	// KindTransportError indicates a network/connection failure or a non-success
	// response from a remote peer.
	KindTransportError Kind = "transport_error"

	// KindUnsupportedSkill indicates the skill_id is absent from the target's AgentCard.
	KindUnsupportedSkill Kind = "unsupported_skill"

	// KindInternal indicates a local skill handler failed or panicked.
	KindInternal Kind = "internal_error"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindContractViolation,
		KindRoutingUnresolved,
		KindTimeout,
		KindTransportError,
		KindUnsupportedSkill,
		KindInternal,
	}
}

// Valid reports whether k is part of the taxonomy.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Kind        Kind
	Message     string
	Err         error
	Details     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind        string         `json:"kind"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Details     map[string]any `json:"details,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Kind:        string(e.Kind),
		Message:     e.Message,
		Details:     e.Details,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given kind, message, and cause.
// Timeouts and transport errors are recoverable by default.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Message:     msg,
		Err:         cause,
		Details:     make(map[string]any),
		Recoverable: kind == KindTimeout || kind == KindTransportError,
	}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// WithDetail adds a key-value pair to the error details.
// Returns the error for method chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried by a caller that knows
// the skill is safe to repeat.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As converts err to an *Error. Unknown errors are wrapped as internal errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var target *Error
	if stderrors.As(err, &target) {
		return target
	}
	return New(KindInternal, "wrapped error", err)
}

// KindOf returns the kind of err, or an empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the external status category returned by the gateway.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindContractViolation, KindTransportError:
		return http.StatusBadGateway
	case KindUnsupportedSkill:
		return http.StatusBadRequest
	case KindRoutingUnresolved, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to a gRPC status code.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case KindContractViolation:
		return codes.InvalidArgument
	case KindUnsupportedSkill:
		return codes.Unimplemented
	case KindRoutingUnresolved:
		return codes.NotFound
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindTransportError:
		return codes.Unavailable
	case KindInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
