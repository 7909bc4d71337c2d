// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata keys attached to every remote call.
const (
	MetadataSourceIdentity = "x-relay-source-identity"
	MetadataCorrelationID  = "x-relay-correlation-id"
	MetadataAuthorization  = "authorization"
)

// HTTP headers used by the peer endpoints.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderSourceIdentity = "X-Source-Identity"
	HeaderAuthorization  = "Authorization"
)

// Peer endpoint paths served by a gateway for other deployments.
const (
	PeerSendPath   = "/v1/peer/send"
	PeerStreamPath = "/v1/peer/stream"
)

// gRPC service coordinates. Envelopes, results and fragments travel as
// google.protobuf.Struct carrying their JSON form.
const (
	ServiceName  = "relay.v1.TaskService"
	InvokeMethod = "/" + ServiceName + "/Invoke"
	StreamMethod = "/" + ServiceName + "/Stream"
)

// TaskServiceServer is implemented by the peer server.
type TaskServiceServer interface {
	Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Stream(in *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the task service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "relay/v1/task.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskServiceServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TaskServiceServer).Stream(in, stream)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return fmt.Errorf("empty message")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
