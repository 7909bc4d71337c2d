// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log defaults %+v", cfg.Log)
	}
	if cfg.Routing.Environment != "dev" {
		t.Errorf("expected default environment dev, got %s", cfg.Routing.Environment)
	}
	if cfg.Gateway.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("expected 10s remote timeout, got %s", cfg.Remote.Timeout)
	}
	if cfg.Orchestrator.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Audit.Driver != "memory" {
		t.Errorf("expected memory audit driver, got %s", cfg.Audit.Driver)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_GATEWAY_REQUEST_TIMEOUT", "5s")
	t.Setenv("RELAY_ROUTING_ENVIRONMENT", "prod")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected level from env, got %s", cfg.Log.Level)
	}
	if cfg.Gateway.RequestTimeout != 5*time.Second {
		t.Errorf("expected request timeout from env, got %s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Routing.Environment != "prod" {
		t.Errorf("expected environment from env, got %s", cfg.Routing.Environment)
	}
}

const fullConfig = `
log:
  level: info
gateway:
  addr: ":9000"
  source_identity: spiffe://relay.local/agent/foreman/dev/us-central1/0.1.0
  ingress:
    target: iam-adk
    skill: iam_adk.check_adk_compliance
routing:
  environment: dev
  flags:
    - source: foreman
      target: iam-qa
      remote: true
  endpoints:
    - target: iam-qa
      url: grpc://iam-qa.internal:9090
    - target: iam-qa
      environment: prod
      url: https://iam-qa.example.com
agents:
  local:
    - spiffe://relay.local/agent/iam-adk/dev/us-central1/0.1.0
  cards:
    - cards/iam-qa.yaml
  peers:
    iam-qa: spiffe://relay.local/agent/iam-qa/dev/us-central1/0.1.0
mcp:
  serve: true
  servers:
    linter:
      transport: http
      url: http://localhost:8931/mcp
      timeout: 20s
  tools:
    iam_adk.check_adk_compliance:
      server: linter
      tool: check_compliance
orchestrator:
  safe_skills: [iam_qa.run_checks]
  retry:
    max_attempts: 4
  breaker:
    enabled: true
audit:
  driver: sqlite
  path: relay.db
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, fullConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.Addr != ":9000" {
		t.Errorf("unexpected addr %s", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Ingress.Skill != "iam_adk.check_adk_compliance" {
		t.Errorf("unexpected ingress %+v", cfg.Gateway.Ingress)
	}
	if len(cfg.Routing.Flags) != 1 || !cfg.Routing.Flags[0].Remote {
		t.Errorf("unexpected flags %+v", cfg.Routing.Flags)
	}
	if len(cfg.Routing.Endpoints) != 2 || cfg.Routing.Endpoints[1].Environment != "prod" {
		t.Errorf("unexpected endpoints %+v", cfg.Routing.Endpoints)
	}
	if cfg.Agents.Peers["iam-qa"] == "" {
		t.Errorf("expected iam-qa peer")
	}
	server := cfg.MCP.Servers["linter"]
	if server.Timeout != 20*time.Second || server.URL == "" {
		t.Errorf("unexpected mcp server %+v", server)
	}
	if cfg.MCP.Tools["iam_adk.check_adk_compliance"].Tool != "check_compliance" {
		t.Errorf("unexpected tool bindings %+v", cfg.MCP.Tools)
	}
	if cfg.Orchestrator.Retry.MaxAttempts != 4 {
		t.Errorf("expected max attempts override, got %d", cfg.Orchestrator.Retry.MaxAttempts)
	}
	if cfg.Orchestrator.Retry.InitialDelay != 200*time.Millisecond {
		t.Errorf("expected default initial delay to survive, got %s", cfg.Orchestrator.Retry.InitialDelay)
	}
	if !cfg.Orchestrator.Breaker.Enabled || cfg.Orchestrator.Breaker.FailureThreshold != 5 {
		t.Errorf("unexpected breaker %+v", cfg.Orchestrator.Breaker)
	}
	if cfg.Audit.Driver != "sqlite" || cfg.Audit.Path != "relay.db" {
		t.Errorf("unexpected audit %+v", cfg.Audit)
	}
}

func TestLoadWithProfile(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "config.yaml")
	writeFile(t, basePath, `
log:
  level: info
  format: json
routing:
  environment: dev
`)
	writeFile(t, filepath.Join(dir, "config.dev.yaml"), `
log:
  level: debug
`)
	writeFile(t, filepath.Join(dir, "config.prod.yaml"), `
log:
  level: warn
routing:
  environment: prod
`)

	tests := []struct {
		name      string
		profile   string
		wantLevel string
		wantEnv   string
	}{
		{name: "no profile", profile: "", wantLevel: "info", wantEnv: "dev"},
		{name: "dev profile", profile: "dev", wantLevel: "debug", wantEnv: "dev"},
		{name: "prod profile", profile: "prod", wantLevel: "warn", wantEnv: "prod"},
		{name: "missing profile falls back to base", profile: "staging", wantLevel: "info", wantEnv: "dev"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Log.Level != tc.wantLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLevel)
			}
			if cfg.Log.Format != "json" {
				t.Errorf("expected format inherited from base, got %s", cfg.Log.Format)
			}
			if cfg.Routing.Environment != tc.wantEnv {
				t.Errorf("environment: got %s, want %s", cfg.Routing.Environment, tc.wantEnv)
			}
		})
	}
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := LoadWithOverrides("", "", []string{
		"log.level=error",
		"orchestrator.concurrency=3",
		"orchestrator.breaker.enabled=true",
		`mcp.servers={"demo":{"transport":"http","url":"http://localhost:8080"}}`,
		`routing.flags=[{"source":"foreman","target":"iam-qa","remote":true}]`,
		`routing.endpoints=[{"target":"iam-qa","url":"grpc://iam-qa:9090"}]`,
	})
	if err != nil {
		t.Fatalf("LoadWithOverrides failed: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected overrides to win over env, got %s", cfg.Log.Level)
	}
	if cfg.Orchestrator.Concurrency != 3 || !cfg.Orchestrator.Breaker.Enabled {
		t.Errorf("unexpected orchestrator %+v", cfg.Orchestrator)
	}
	if cfg.MCP.Servers["demo"].URL != "http://localhost:8080" {
		t.Errorf("unexpected MCP servers %+v", cfg.MCP.Servers)
	}
	if len(cfg.Routing.Flags) != 1 || cfg.Routing.Flags[0].Target != "iam-qa" {
		t.Errorf("unexpected flags %+v", cfg.Routing.Flags)
	}
}

func TestParseOverrideErrors(t *testing.T) {
	for _, raw := range []string{"", "novalue", "=x", `k={"broken"`} {
		if _, _, err := parseOverride(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides []string
		wantErr   string
	}{
		{name: "log format", overrides: []string{"log.format=xml"}, wantErr: "log.format"},
		{name: "exporter", overrides: []string{"telemetry.exporter=zipkin"}, wantErr: "telemetry.exporter"},
		{name: "flag without target", overrides: []string{`routing.flags=[{"source":"foreman"}]`}, wantErr: "routing.flags[0]"},
		{name: "endpoint without url", overrides: []string{`routing.endpoints=[{"target":"iam-qa"}]`}, wantErr: "routing.endpoints[0]"},
		{name: "unknown mcp server", overrides: []string{`mcp.tools={"a.b":{"server":"nope","tool":"x"}}`}, wantErr: "unknown server"},
		{name: "stdio without command", overrides: []string{`mcp.servers={"s":{"transport":"stdio"}}`}, wantErr: "command is required"},
		{name: "sqlite without path", overrides: []string{"audit.driver=sqlite"}, wantErr: "audit.path"},
		{name: "short signing key", overrides: []string{"credentials.signing_key=short"}, wantErr: "signing_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadWithOverrides("", "", tc.overrides)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestProfileConfigPath(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "config.dev.yaml")
	writeFile(t, devPath, "log: {}\n")
	basePath := filepath.Join(dir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{name: "existing profile", base: basePath, profile: "dev", wantPath: devPath},
		{name: "nonexistent profile", base: basePath, profile: "prod", wantPath: ""},
		{name: "empty profile", base: basePath, profile: "", wantPath: ""},
		{name: "empty base", base: "", profile: "dev", wantPath: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := profileConfigPath(tc.base, tc.profile); got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
