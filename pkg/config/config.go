// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay process configuration from defaults, a YAML
// file, an optional profile overlay, RELAY_ environment variables and
// command-line overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. The first underscore after the
// prefix separates the section from the key: RELAY_LOG_LEVEL sets log.level
// and RELAY_GATEWAY_REQUEST_TIMEOUT sets gateway.request_timeout.
const EnvPrefix = "RELAY_"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Gateway      GatewayConfig      `koanf:"gateway"`
	Routing      RoutingConfig      `koanf:"routing"`
	Agents       AgentsConfig       `koanf:"agents"`
	Remote       RemoteConfig       `koanf:"remote"`
	Credentials  CredentialsConfig  `koanf:"credentials"`
	MCP          MCPConfig          `koanf:"mcp"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Audit        AuditConfig        `koanf:"audit"`
	Discovery    DiscoveryConfig    `koanf:"discovery"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	ServiceName        string `koanf:"service_name"`
	Exporter           string `koanf:"exporter"` // stdout, otlp, prometheus, none
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

// GatewayConfig configures the HTTP and gRPC listeners.
type GatewayConfig struct {
	Addr string `koanf:"addr"`
	// GRPCAddr serves the peer gRPC service when set.
	GRPCAddr       string        `koanf:"grpc_addr"`
	SourceIdentity string        `koanf:"source_identity"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	Ingress        IngressConfig `koanf:"ingress"`
}

type IngressConfig struct {
	Identity string `koanf:"identity"`
	Target   string `koanf:"target"`
	Skill    string `koanf:"skill"`
}

// RoutingConfig is the routing table of one deployment.
type RoutingConfig struct {
	Environment string           `koanf:"environment"`
	Flags       []FlagConfig     `koanf:"flags"`
	Endpoints   []EndpointConfig `koanf:"endpoints"`
}

type FlagConfig struct {
	Source      string `koanf:"source"`
	Target      string `koanf:"target"`
	Environment string `koanf:"environment"`
	Remote      bool   `koanf:"remote"`
}

type EndpointConfig struct {
	Target      string `koanf:"target"`
	Environment string `koanf:"environment"`
	URL         string `koanf:"url"`
}

// AgentsConfig lists the agents this process serves and the cards of the
// ones it only calls.
type AgentsConfig struct {
	// Local are identities of built-in variants served in process.
	Local []string `koanf:"local"`
	// Cards are card files or URLs of agents served elsewhere.
	Cards []string `koanf:"cards"`
	// Peers maps agent names to the identities used when delegating.
	Peers      map[string]string `koanf:"peers"`
	SourceRoot string            `koanf:"source_root"`
	URL        string            `koanf:"url"`
}

type RemoteConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	MaxTimeout    time.Duration `koanf:"max_timeout"`
	StreamTimeout time.Duration `koanf:"stream_timeout"`
	RequireTLS    bool          `koanf:"require_tls"`
}

// CredentialsConfig configures short-lived peer tokens. Peer calls are
// unauthenticated when SigningKey is empty.
type CredentialsConfig struct {
	SigningKey string        `koanf:"signing_key"`
	Issuer     string        `koanf:"issuer"`
	TTL        time.Duration `koanf:"ttl"`
}

type MCPConfig struct {
	// Serve exposes local skills as MCP tools at /mcp.
	Serve   bool                       `koanf:"serve"`
	Servers map[string]MCPServerConfig `koanf:"servers"`
	// Tools binds skill ids to tools of the configured servers.
	Tools map[string]MCPToolBinding `koanf:"tools"`
}

type MCPServerConfig struct {
	Transport string        `koanf:"transport"` // stdio, http
	Command   string        `koanf:"command"`
	Args      []string      `koanf:"args"`
	URL       string        `koanf:"url"`
	Timeout   time.Duration `koanf:"timeout"`
}

type MCPToolBinding struct {
	Server string `koanf:"server"`
	Tool   string `koanf:"tool"`
}

type OrchestratorConfig struct {
	Concurrency int `koanf:"concurrency"`
	// SafeSkills may be retried on timeout or transport errors.
	SafeSkills []string      `koanf:"safe_skills"`
	Retry      RetryConfig   `koanf:"retry"`
	Breaker    BreakerConfig `koanf:"breaker"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout"`
}

type AuditConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite, none
	Path   string `koanf:"path"`
}

// DiscoveryConfig lists peer gateways whose published cards are registered
// as remote targets at startup.
type DiscoveryConfig struct {
	Peers   []string      `koanf:"peers"`
	Timeout time.Duration `koanf:"timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                              "info",
		"log.format":                             "text",
		"telemetry.service_name":                 "relay",
		"telemetry.exporter":                     "none",
		"telemetry.otlp_timeout_seconds":         10,
		"gateway.addr":                           ":8080",
		"gateway.request_timeout":                30 * time.Second,
		"gateway.max_body_bytes":                 int64(4 << 20),
		"routing.environment":                    "dev",
		"remote.timeout":                         10 * time.Second,
		"remote.max_timeout":                     60 * time.Second,
		"remote.stream_timeout":                  5 * time.Minute,
		"credentials.issuer":                     "relay",
		"credentials.ttl":                        5 * time.Minute,
		"orchestrator.concurrency":               8,
		"orchestrator.retry.max_attempts":        3,
		"orchestrator.retry.initial_delay":       200 * time.Millisecond,
		"orchestrator.retry.max_delay":           2 * time.Second,
		"orchestrator.breaker.failure_threshold": 5,
		"orchestrator.breaker.timeout":           30 * time.Second,
		"audit.driver":                           "memory",
		"discovery.timeout":                      5 * time.Second,
	}
}

// Load reads the configuration at path. An empty path loads defaults and
// the environment only.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, "", nil)
}

// LoadWithProfile loads path and then overlays the profile file next to it
// (config.dev.yaml for config.yaml and profile "dev") when that file exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOverrides(path, profile, nil)
}

// LoadWithOverrides is LoadWithProfile followed by key=value overrides.
// Values starting with { or [ are parsed as JSON.
func LoadWithOverrides(path, profile string, overrides []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", overlay, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, raw := range overrides {
		key, value, err := parseOverride(raw)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

func parseOverride(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q: expected key=value", raw)
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return "", nil, fmt.Errorf("invalid override %q: %w", raw, err)
		}
		return key, decoded, nil
	}
	return key, value, nil
}

// profileConfigPath returns the overlay file for profile, or "" when there
// is none on disk.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Telemetry.Exporter {
	case "stdout", "otlp", "prometheus", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q is not supported", c.Telemetry.Exporter)
	}
	if strings.TrimSpace(c.Routing.Environment) == "" {
		return fmt.Errorf("routing.environment is required")
	}
	for i, f := range c.Routing.Flags {
		if f.Source == "" || f.Target == "" {
			return fmt.Errorf("routing.flags[%d]: source and target are required", i)
		}
	}
	for i, e := range c.Routing.Endpoints {
		if e.Target == "" || e.URL == "" {
			return fmt.Errorf("routing.endpoints[%d]: target and url are required", i)
		}
	}
	for skill, binding := range c.MCP.Tools {
		if _, ok := c.MCP.Servers[binding.Server]; !ok {
			return fmt.Errorf("mcp.tools.%s: unknown server %q", skill, binding.Server)
		}
	}
	for name, server := range c.MCP.Servers {
		switch server.Transport {
		case "stdio":
			if server.Command == "" {
				return fmt.Errorf("mcp.servers.%s: command is required for stdio", name)
			}
		case "http":
			if server.URL == "" {
				return fmt.Errorf("mcp.servers.%s: url is required for http", name)
			}
		default:
			return fmt.Errorf("mcp.servers.%s: transport must be stdio or http", name)
		}
	}
	switch c.Audit.Driver {
	case "memory", "none":
	case "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("audit.driver %q is not supported", c.Audit.Driver)
	}
	if c.Credentials.SigningKey != "" && len(c.Credentials.SigningKey) < 32 {
		return fmt.Errorf("credentials.signing_key must be at least 32 bytes")
	}
	return nil
}
