// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/routing"
)

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"empty", nil, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(-1)
			for i, status := range tt.statuses {
				p.Register(fmt.Sprintf("c%d", i), Static(status, ""))
			}
			results, overall := p.CheckAll(context.Background())
			if overall != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, overall)
			}
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			for i, r := range results {
				if r.Component != fmt.Sprintf("c%d", i) {
					t.Errorf("expected sorted components, got %s at %d", r.Component, i)
				}
				if r.LastCheck.IsZero() {
					t.Errorf("expected LastCheck to be set")
				}
			}
		})
	}
}

func TestProviderCachesResults(t *testing.T) {
	var calls atomic.Int32
	now := time.Unix(1000, 0)
	p := NewProvider(time.Minute)
	p.now = func() time.Time { return now }
	p.Register("peer", CheckerFunc(func(context.Context) Result {
		calls.Add(1)
		return Result{Status: StatusHealthy, LastCheck: now}
	}))

	for i := 0; i < 3; i++ {
		if _, err := p.Check(context.Background(), "peer"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one check within the ttl, got %d", calls.Load())
	}
	now = now.Add(2 * time.Minute)
	_, _ = p.Check(context.Background(), "peer")
	if calls.Load() != 2 {
		t.Fatalf("expected a new check after the ttl, got %d", calls.Load())
	}

	if _, err := p.Check(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown checker")
	}
}

type fakePinger map[string]error

func (f fakePinger) Ping(_ context.Context, endpoint string) error {
	return f[endpoint]
}

func TestEndpointChecker(t *testing.T) {
	pinger := fakePinger{"grpc://down:1": fmt.Errorf("connection refused")}
	if r := Endpoint(pinger, "grpc://up:1").Check(context.Background()); r.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", r.Status)
	}
	r := Endpoint(pinger, "grpc://down:1").Check(context.Background())
	if r.Status != StatusDegraded || r.Error == "" {
		t.Fatalf("expected degraded with error, got %+v", r)
	}
}

const (
	foremanID = "spiffe://relay.local/agent/foreman/prod/us-central1/0.1.0"
	adkID     = "spiffe://relay.local/agent/iam-adk/prod/us-central1/0.1.0"
	qaID      = "spiffe://relay.local/agent/iam-qa/prod/us-central1/0.1.0"
	issueID   = "spiffe://relay.local/agent/iam-issue/prod/us-central1/0.1.0"
)

func card(name, identity, skillID string) *agentcard.AgentCard {
	return &agentcard.AgentCard{
		Name:     name,
		Version:  "0.1.0",
		Identity: identity,
		Skills: []agentcard.Skill{{
			ID:           skillID,
			Name:         skillID,
			InputSchema:  json.RawMessage(`{"type":"object"}`),
			OutputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}
}

func TestAvailability(t *testing.T) {
	registry := agent.NewRegistry()
	adk, err := agent.New(card("iam-adk", adkID, "iam_adk.check_adk_compliance"),
		agent.WithHandler("iam_adk.check_adk_compliance", func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}))
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if err := registry.Register(adk); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = registry.RegisterCard(card("iam-qa", qaID, "iam_qa.run_checks"))
	_ = registry.RegisterCard(card("iam-issue", issueID, "iam_issue.create_issue"))

	table := routing.MustTable("prod",
		[]routing.Flag{
			{Source: "foreman", Target: "iam-qa", Remote: true},
			{Source: "foreman", Target: "iam-issue", Remote: true},
		},
		[]routing.Endpoint{
			{Target: "iam-qa", URL: "grpc://iam-qa:9090"},
			{Target: "iam-issue", URL: "grpc://iam-issue:9090"},
		},
	)
	adapter := routing.NewAdapter(registry, table)
	availability := NewAvailability(adapter, fakePinger{"grpc://iam-issue:9090": fmt.Errorf("unavailable")})

	env := func(target, skill string) envelope.TaskEnvelope {
		return envelope.NewRequest(context.Background(), foremanID, target, skill, nil)
	}
	tests := []struct {
		name      string
		env       envelope.TaskEnvelope
		available bool
	}{
		{"local agent", env(adkID, "iam_adk.check_adk_compliance"), true},
		{"reachable remote", env(qaID, "iam_qa.run_checks"), true},
		{"unreachable remote", env(issueID, "iam_issue.create_issue"), false},
		{"not deployed", env("spiffe://relay.local/agent/ghost/prod/us-central1/0.1.0", "ghost.do_thing"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := availability.Available(context.Background(), tt.env)
			if (err == nil) != tt.available {
				t.Fatalf("expected available=%v, got %v", tt.available, err)
			}
		})
	}
}

func TestProviderReplace(t *testing.T) {
	p := NewProvider(-1)
	p.Register("registry", Static(StatusHealthy, ""))
	p.Register("remote:iam-qa", Static(StatusUnhealthy, "down"))
	p.Register("remote:iam-adk", Static(StatusHealthy, ""))

	p.Replace("remote:", map[string]Checker{"remote:iam-issue": Static(StatusHealthy, "")})

	got := p.Names()
	want := []string{"registry", "remote:iam-issue"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, overall := p.CheckAll(context.Background()); overall != StatusHealthy {
		t.Fatalf("expected replaced checks to drop the stale unhealthy one, got %s", overall)
	}
}
