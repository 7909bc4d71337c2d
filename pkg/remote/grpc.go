// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	stderrors "errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

func (c *Client) grpcContext(ctx context.Context, env envelope.TaskEnvelope) context.Context {
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataSourceIdentity, env.SourceIdentity,
		MetadataCorrelationID, env.Metadata.CorrelationID,
	)
	return injectTraceContext(credentials.WithSubject(ctx, env.SourceIdentity))
}

func (c *Client) callOptions(env envelope.TaskEnvelope) []grpc.CallOption {
	if c.creds == nil {
		return nil
	}
	return []grpc.CallOption{grpc.PerRPCCredentials(credentials.NewPerRPC(c.creds, env.TargetIdentity, c.requireTLS))}
}

func (c *Client) invokeGRPC(ctx context.Context, target endpointTarget, env envelope.TaskEnvelope) (envelope.TaskResult, error) {
	conn, err := c.conn(target)
	if err != nil {
		return envelope.TaskResult{}, err
	}
	in, err := toStruct(env)
	if err != nil {
		return envelope.TaskResult{}, errors.New(errors.KindContractViolation, "encode envelope", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(c.grpcContext(ctx, env), InvokeMethod, in, out, c.callOptions(env)...); err != nil {
		return envelope.TaskResult{}, err
	}
	var result envelope.TaskResult
	if err := fromStruct(out, &result); err != nil {
		return envelope.TaskResult{}, errors.New(errors.KindContractViolation, "decode remote result", err)
	}
	return result, nil
}

func (c *Client) streamGRPC(ctx context.Context, target endpointTarget, env envelope.TaskEnvelope, yield func(stream.Fragment) bool) error {
	conn, err := c.conn(target)
	if err != nil {
		return err
	}
	in, err := toStruct(env)
	if err != nil {
		return errors.New(errors.KindContractViolation, "encode envelope", err)
	}
	cs, err := conn.NewStream(c.grpcContext(ctx, env), &ServiceDesc.Streams[0], StreamMethod, c.callOptions(env)...)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(in); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		err := cs.RecvMsg(msg)
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var f stream.Fragment
		if err := fromStruct(msg, &f); err != nil {
			return errors.New(errors.KindContractViolation, "decode remote fragment", err)
		}
		if err := checkFragment(env, f); err != nil {
			return err
		}
		if !yield(f) {
			return nil
		}
	}
}

func checkFragment(env envelope.TaskEnvelope, f stream.Fragment) error {
	switch f.Kind {
	case stream.KindData, stream.KindFinal:
	case stream.KindError:
		if f.Error == nil {
			return errors.New(errors.KindContractViolation, "remote error fragment without error", nil)
		}
	default:
		return errors.Newf(errors.KindContractViolation, "unknown fragment kind %q", f.Kind)
	}
	if f.CorrelationID != "" && f.CorrelationID != env.Metadata.CorrelationID {
		return errors.New(errors.KindContractViolation, "remote fragment does not echo the correlation id", nil)
	}
	return nil
}
