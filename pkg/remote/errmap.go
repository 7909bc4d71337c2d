// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	stderrors "errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jllopis/relay/pkg/errors"
)

// classify maps a transport failure onto the error taxonomy. parent is the
// caller's context and call the timeout-bounded context derived from it.
func classify(parent, call context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(call.Err(), context.DeadlineExceeded):
		return errors.New(errors.KindTimeout, "remote call exceeded its deadline", err)
	case stderrors.Is(parent.Err(), context.Canceled):
		return errors.New(errors.KindTransportError, "caller cancelled the remote call", err).
			WithDetail("code", codes.Canceled.String())
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return typed
	}

	if st, ok := status.FromError(err); ok {
		return fromStatus(st)
	}
	return errors.New(errors.KindTransportError, "remote call failed", err)
}

func fromStatus(st *status.Status) *errors.Error {
	code := st.Code()
	if kind := statusKind(st); kind != "" {
		return errors.New(kind, st.Message(), nil).WithDetail("code", code.String())
	}
	switch code {
	case codes.DeadlineExceeded:
		return errors.New(errors.KindTimeout, st.Message(), nil).WithDetail("code", code.String())
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.New(errors.KindTransportError, st.Message(), nil).
			WithDetail("code", code.String()).
			WithRecoverable(false)
	case codes.Unimplemented:
		return errors.New(errors.KindContractViolation, "remote does not serve the task protocol", nil).
			WithDetail("code", code.String())
	default:
		return errors.New(errors.KindTransportError, st.Message(), nil).WithDetail("code", code.String())
	}
}

// statusKind reads the error kind a relay server attached to a status.
func statusKind(st *status.Status) errors.Kind {
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if kind := errors.Kind(info.GetReason()); kind.Valid() {
			return kind
		}
	}
	return ""
}

const errorDomain = "relay"

// toStatus converts err into a gRPC status carrying its kind.
func toStatus(err error) error {
	typed := errors.As(err)
	st := status.New(errors.GRPCCode(typed.Kind), typed.Error())
	withInfo, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(typed.Kind),
		Domain: errorDomain,
	})
	if detailErr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// unauthenticated builds the status for rejected credentials.
func unauthenticated(err error) error {
	return status.Error(codes.Unauthenticated, err.Error())
}
