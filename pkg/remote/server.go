// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

// Backend serves calls with agents hosted in this process. Peer traffic is
// never routed again, so two deployments cannot bounce a call between them.
type Backend interface {
	InvokeLocal(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
	StreamLocal(ctx context.Context, env envelope.TaskEnvelope) *stream.Stream
}

// Server implements the task service over gRPC.
type Server struct {
	backend  Backend
	verifier *credentials.Verifier
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVerifier requires a valid bearer token whose audience is the target.
func WithVerifier(v *credentials.Verifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a task service backed by backend.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches the task service and a health service reporting it as
// serving to gs.
func (s *Server) Register(gs *grpc.Server) *health.Server {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// Invoke implements TaskServiceServer.
func (s *Server) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx = extractTraceContext(ctx)
	env, err := s.accept(ctx, in)
	if err != nil {
		return nil, err
	}
	result := s.backend.InvokeLocal(ctx, env)
	out, err := toStruct(result)
	if err != nil {
		return nil, toStatus(errors.New(errors.KindInternal, "encode result", err))
	}
	return out, nil
}

// Stream implements TaskServiceServer.
func (s *Server) Stream(in *structpb.Struct, ss grpc.ServerStream) error {
	ctx := extractTraceContext(ss.Context())
	env, err := s.accept(ctx, in)
	if err != nil {
		return err
	}
	fragments := s.backend.StreamLocal(ctx, env)
	defer fragments.Close()
	for f := range fragments.All() {
		msg, err := toStruct(f)
		if err != nil {
			return toStatus(errors.New(errors.KindInternal, "encode fragment", err))
		}
		if err := ss.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) accept(ctx context.Context, in *structpb.Struct) (envelope.TaskEnvelope, error) {
	var env envelope.TaskEnvelope
	if err := fromStruct(in, &env); err != nil {
		return env, toStatus(errors.New(errors.KindContractViolation, "malformed envelope", err))
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = first(md, MetadataCorrelationID)
	}
	envelope.EnsureCorrelationID(&env)
	if env.SourceIdentity == "" {
		env.SourceIdentity = first(md, MetadataSourceIdentity)
	}
	if s.verifier != nil {
		token := credentials.BearerToken(first(md, MetadataAuthorization))
		claims, err := s.verifier.Verify(ctx, token, env.TargetIdentity)
		if err != nil {
			s.logger.Warn("rejected peer call",
				slog.String("correlation_id", env.Metadata.CorrelationID),
				slog.String("error", err.Error()),
			)
			return env, unauthenticated(err)
		}
		if claims.Subject != env.SourceIdentity {
			return env, unauthenticated(errors.Newf(errors.KindTransportError, "token subject %q does not match source identity", claims.Subject))
		}
	}
	return env, nil
}

func first(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
