// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"

	grpccreds "google.golang.org/grpc/credentials"
)

// PerRPC adapts a Provider to gRPC per-RPC credentials for one audience.
type PerRPC struct {
	provider   Provider
	audience   string
	requireTLS bool
}

// NewPerRPC creates per-RPC credentials. requireTLS should be true outside
// local development.
func NewPerRPC(provider Provider, audience string, requireTLS bool) *PerRPC {
	return &PerRPC{provider: provider, audience: audience, requireTLS: requireTLS}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (p *PerRPC) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	tok, err := p.provider.Token(ctx, p.audience)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + tok.Value}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (p *PerRPC) RequireTransportSecurity() bool {
	return p.requireTLS
}

var _ grpccreds.PerRPCCredentials = (*PerRPC)(nil)
