// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote performs networked skill calls against separately deployed
// agents and serves local agents to such calls.
package remote

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/stream"
)

const (
	// DefaultTimeout bounds a call whose envelope sets no timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxTimeout caps timeouts requested by envelopes.
	DefaultMaxTimeout = 60 * time.Second
	// DefaultStreamTimeout bounds a whole streamed call.
	DefaultStreamTimeout = 5 * time.Minute
)

// Option configures a Client.
type Option func(*Client)

// Client executes remote calls. Transport is chosen per endpoint: grpc:// and
// grpcs:// use the task service, http:// and https:// use the peer endpoints
// of a remote gateway. The client never retries.
type Client struct {
	timeout       time.Duration
	maxTimeout    time.Duration
	streamTimeout time.Duration
	creds         credentials.Provider
	requireTLS    bool
	dialOptions   []grpc.DialOption
	httpClient    *http.Client
	logger        *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxTimeout caps envelope-requested timeouts.
func WithMaxTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.maxTimeout = timeout
		}
	}
}

// WithStreamTimeout bounds streamed calls.
func WithStreamTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.streamTimeout = timeout
		}
	}
}

// WithCredentials sets the provider of per-call bearer tokens.
func WithCredentials(provider credentials.Provider) Option {
	return func(c *Client) {
		c.creds = provider
	}
}

// WithRequireTLS refuses to send credentials over plaintext gRPC.
func WithRequireTLS(require bool) Option {
	return func(c *Client) {
		c.requireTLS = require
	}
}

// WithDialOptions adds gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// WithHTTPClient overrides the HTTP client used for http(s) endpoints.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a remote invocation client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout:       DefaultTimeout,
		maxTimeout:    DefaultMaxTimeout,
		streamTimeout: DefaultStreamTimeout,
		httpClient:    &http.Client{},
		logger:        slog.Default(),
		conns:         make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Close releases pooled gRPC connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for key, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, key)
	}
	return first
}

// Invoke performs env against endpoint and always returns a result.
func (c *Client) Invoke(ctx context.Context, endpoint string, env envelope.TaskEnvelope) envelope.TaskResult {
	started := time.Now()
	envelope.EnsureCorrelationID(&env)

	target, err := parseEndpoint(endpoint)
	if err != nil {
		return envelope.Failure(env, err, started)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(env))
	defer cancel()

	var result envelope.TaskResult
	switch target.transport {
	case transportGRPC:
		result, err = c.invokeGRPC(callCtx, target, env)
	default:
		result, err = c.invokeHTTP(callCtx, target, env)
	}
	if err != nil {
		err = classify(ctx, callCtx, err)
		c.logger.Warn("remote call failed",
			slog.String("endpoint", endpoint),
			slog.String("skill_id", env.SkillID),
			slog.String("correlation_id", env.Metadata.CorrelationID),
			slog.String("error_kind", string(errors.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return envelope.Failure(env, err, started)
	}
	if err := checkEcho(env, result); err != nil {
		return envelope.Failure(env, err, started)
	}
	result.Metadata.DurationMs = time.Since(started).Milliseconds()
	return result
}

// Stream performs env against endpoint as a lazy fragment stream. Nothing is
// sent until the stream is ranged over.
func (c *Client) Stream(ctx context.Context, endpoint string, env envelope.TaskEnvelope) *stream.Stream {
	envelope.EnsureCorrelationID(&env)
	target, err := parseEndpoint(endpoint)
	if err != nil {
		return stream.Failed(ctx, env.Metadata.CorrelationID, err)
	}
	return stream.New(ctx, env.Metadata.CorrelationID, func(streamCtx context.Context, yield func(stream.Fragment) bool) error {
		callCtx, cancel := context.WithTimeout(streamCtx, c.streamTimeout)
		defer cancel()

		var err error
		switch target.transport {
		case transportGRPC:
			err = c.streamGRPC(callCtx, target, env, yield)
		default:
			err = c.streamHTTP(callCtx, target, env, yield)
		}
		if err != nil {
			return classify(streamCtx, callCtx, err)
		}
		return nil
	})
}

func (c *Client) callTimeout(env envelope.TaskEnvelope) time.Duration {
	if requested := env.Timeout(); requested > 0 {
		if requested > c.maxTimeout {
			return c.maxTimeout
		}
		return requested
	}
	return c.timeout
}

func (c *Client) token(ctx context.Context, audience string) (string, error) {
	if c.creds == nil {
		return "", nil
	}
	tok, err := c.creds.Token(ctx, audience)
	if err != nil {
		return "", errors.New(errors.KindTransportError, "acquire credentials", err)
	}
	return tok.Value, nil
}

func (c *Client) conn(target endpointTarget) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target.raw]; ok {
		return conn, nil
	}
	var transportCreds grpccreds.TransportCredentials = insecure.NewCredentials()
	if target.secure {
		transportCreds = grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(transportCreds)}, c.dialOptions...)
	conn, err := grpc.NewClient("passthrough:///"+target.address, opts...)
	if err != nil {
		return nil, errors.New(errors.KindTransportError, "dial "+target.raw, err)
	}
	c.conns[target.raw] = conn
	return conn, nil
}

type transport int

const (
	transportGRPC transport = iota
	transportHTTP
)

type endpointTarget struct {
	raw       string
	transport transport
	secure    bool
	address   string
	base      string
}

func parseEndpoint(endpoint string) (endpointTarget, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return endpointTarget{}, errors.Newf(errors.KindRoutingUnresolved, "invalid endpoint %q", endpoint)
	}
	t := endpointTarget{raw: endpoint, address: u.Host}
	switch u.Scheme {
	case "grpc":
		t.transport = transportGRPC
	case "grpcs":
		t.transport, t.secure = transportGRPC, true
	case "http", "https":
		t.transport = transportHTTP
		t.secure = u.Scheme == "https"
		t.base = strings.TrimRight(u.String(), "/")
	default:
		return endpointTarget{}, errors.Newf(errors.KindRoutingUnresolved, "unsupported endpoint scheme %q", u.Scheme)
	}
	return t, nil
}

// checkEcho rejects results that do not answer the request that was sent.
func checkEcho(env envelope.TaskEnvelope, result envelope.TaskResult) error {
	if !envelope.Conforms(result) {
		return errors.New(errors.KindContractViolation, "remote returned a malformed result", nil)
	}
	if result.Metadata.CorrelationID != env.Metadata.CorrelationID {
		return errors.New(errors.KindContractViolation, "remote result does not echo the correlation id", nil).
			WithDetail("expected", env.Metadata.CorrelationID).
			WithDetail("actual", result.Metadata.CorrelationID)
	}
	if result.SkillID != env.SkillID {
		return errors.Newf(errors.KindContractViolation, "remote answered skill %q for %q", result.SkillID, env.SkillID)
	}
	return nil
}
