// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net/http"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jllopis/relay/pkg/errors"
)

// HealthPath is requested on http(s) endpoints.
const HealthPath = "/healthz"

// Ping reports whether endpoint is reachable and serving the task protocol.
// gRPC endpoints are asked through the standard health service, HTTP
// endpoints through their health path.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	target, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if target.transport == transportGRPC {
		conn, err := c.conn(target)
		if err != nil {
			return err
		}
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return classify(ctx, ctx, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return errors.Newf(errors.KindTransportError, "%s is %s", endpoint, resp.GetStatus())
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.base+HealthPath, nil)
	if err != nil {
		return errors.New(errors.KindRoutingUnresolved, "build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError(resp)
	}
	return nil
}
