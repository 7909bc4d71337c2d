// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

const maxResultBytes = 8 << 20

func (c *Client) newHTTPRequest(ctx context.Context, target endpointTarget, path string, env envelope.TaskEnvelope) (*http.Request, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errors.New(errors.KindContractViolation, "encode envelope", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.New(errors.KindRoutingUnresolved, "build peer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, env.Metadata.CorrelationID)
	req.Header.Set(HeaderSourceIdentity, env.SourceIdentity)
	token, err := c.token(credentials.WithSubject(ctx, env.SourceIdentity), env.TargetIdentity)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *Client) invokeHTTP(ctx context.Context, target endpointTarget, env envelope.TaskEnvelope) (envelope.TaskResult, error) {
	req, err := c.newHTTPRequest(ctx, target, PeerSendPath, env)
	if err != nil {
		return envelope.TaskResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope.TaskResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return envelope.TaskResult{}, err
	}
	var result envelope.TaskResult
	decodeErr := json.Unmarshal(body, &result)
	if decodeErr == nil && envelope.Conforms(result) {
		// peers answer failed calls with a result body and a mapped status
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope.TaskResult{}, httpStatusError(resp)
	}
	if decodeErr != nil {
		return envelope.TaskResult{}, errors.New(errors.KindContractViolation, "decode remote result", decodeErr)
	}
	return envelope.TaskResult{}, errors.New(errors.KindContractViolation, "remote returned a malformed result", nil)
}

func (c *Client) streamHTTP(ctx context.Context, target endpointTarget, env envelope.TaskEnvelope, yield func(stream.Fragment) bool) error {
	req, err := c.newHTTPRequest(ctx, target, PeerStreamPath, env)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", stream.SSEContentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError(resp)
	}

	stop := fmt.Errorf("consumer stopped")
	err = stream.ReadSSE(ctx, resp.Body, func(data []byte) error {
		var f stream.Fragment
		if err := json.Unmarshal(data, &f); err != nil {
			return errors.New(errors.KindContractViolation, "decode remote fragment", err)
		}
		if err := checkFragment(env, f); err != nil {
			return err
		}
		if !yield(f) {
			return stop
		}
		return nil
	})
	if err == stop {
		return nil
	}
	return err
}

func httpStatusError(resp *http.Response) error {
	return errors.Newf(errors.KindTransportError, "remote answered %s", resp.Status).
		WithDetail("code", strconv.Itoa(resp.StatusCode))
}
