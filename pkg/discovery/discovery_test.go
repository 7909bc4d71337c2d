// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/routing"
)

const (
	adkID = "spiffe://relay.local/agent/iam-adk/dev/us-central1/0.1.0"
	qaID  = "spiffe://relay.local/agent/iam-qa/dev/us-central1/0.1.0"
)

func card(name, identity, url string) *agentcard.AgentCard {
	return &agentcard.AgentCard{
		Name:     name,
		Version:  "0.1.0",
		URL:      url,
		Identity: identity,
		Skills: []agentcard.Skill{{
			ID:           "iam_qa.run_checks",
			Name:         "Run checks",
			InputSchema:  json.RawMessage(`{"type":"object"}`),
			OutputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}
}

type staticProvider struct {
	cards []*agentcard.AgentCard
	fail  error
}

func (p staticProvider) List(_ context.Context) ([]*agentcard.AgentCard, error) {
	return p.cards, p.fail
}

func TestResolverOrderAndDedupe(t *testing.T) {
	first := card("iam-qa", qaID, "grpc://first:9090")
	resolver, err := NewResolver(
		staticProvider{cards: []*agentcard.AgentCard{first}},
		nil,
		staticProvider{cards: []*agentcard.AgentCard{card("iam-qa", qaID, "grpc://second:9090"), card("iam-adk", adkID, "")}},
	)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	cards, err := resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].URL != "grpc://first:9090" || cards[1].Identity != adkID {
		t.Fatalf("unexpected order: %+v", cards)
	}
}

func TestResolverKeepsPartialResults(t *testing.T) {
	boom := stderrors.New("peer down")
	resolver, err := NewResolver(
		staticProvider{fail: boom},
		staticProvider{cards: []*agentcard.AgentCard{card("iam-qa", qaID, "")}},
	)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	cards, err := resolver.Resolve(context.Background())
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected provider error to be reported, got %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected the healthy provider's card, got %d", len(cards))
	}
}

func TestNewResolverRequiresProviders(t *testing.T) {
	if _, err := NewResolver(nil); err == nil {
		t.Fatalf("expected error without providers")
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iam-qa.json")
	data, err := json.Marshal(card("iam-qa", qaID, "grpc://iam-qa:9090"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cards, err := NewFileProvider([]string{path, " " + path + " ", ""}).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cards) != 1 || cards[0].Identity != qaID {
		t.Fatalf("unexpected cards %+v", cards)
	}

	if _, err := NewFileProvider([]string{filepath.Join(dir, "missing.yaml")}).List(context.Background()); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestWellKnownProvider(t *testing.T) {
	peer := httptest.NewServer(agentcard.PublishHandler(
		card("iam-qa", qaID, ""),
		card("iam-adk", adkID, "grpc://iam-adk:9090"),
	))
	defer peer.Close()
	down := httptest.NewServer(nil)
	down.Close()

	cards, err := NewWellKnownProvider([]string{peer.URL, down.URL}).List(context.Background())
	if err == nil {
		t.Fatalf("expected the unreachable peer to be reported")
	}
	if len(cards) != 2 {
		t.Fatalf("expected both cards from the live peer, got %d", len(cards))
	}
	if cards[0].URL != peer.URL {
		t.Fatalf("expected card without URL to point at its peer, got %q", cards[0].URL)
	}
	if cards[1].URL != "grpc://iam-adk:9090" {
		t.Fatalf("expected published URL to be kept, got %q", cards[1].URL)
	}
}

func TestRegisterSkipsKnownIdentities(t *testing.T) {
	local, err := agent.New(card("iam-adk", adkID, ""), agent.WithHandler("iam_qa.run_checks", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	registry := agent.NewRegistry()
	if err := registry.Register(local); err != nil {
		t.Fatalf("register: %v", err)
	}

	invalid := card("iam-broken", "not-an-identity", "")
	added := Register(registry, []*agentcard.AgentCard{
		card("iam-adk", adkID, "grpc://elsewhere:9090"),
		card("iam-qa", qaID, "grpc://iam-qa:9090"),
		invalid,
	}, nil)

	if len(added) != 1 || added[0].Identity != qaID {
		t.Fatalf("expected only iam-qa to be added, got %+v", added)
	}
	entry, ok := registry.Lookup(adkID)
	if !ok || !entry.Local() {
		t.Fatalf("expected the local agent to keep its identity")
	}
	if entry, ok := registry.Lookup(qaID); !ok || entry.Local() {
		t.Fatalf("expected iam-qa as a remote-only target")
	}
}

func TestEndpointsAndMerge(t *testing.T) {
	discovered := Endpoints([]*agentcard.AgentCard{
		card("iam-qa", qaID, "http://peer:8080"),
		card("iam-adk", adkID, "http://peer:8080"),
		card("iam-issue", "spiffe://relay.local/agent/iam-issue/dev/us-central1/0.1.0", ""),
	})
	if len(discovered) != 2 {
		t.Fatalf("expected cards without URL to be skipped, got %+v", discovered)
	}

	configured := []routing.Endpoint{{Target: "iam-qa", URL: "grpc://iam-qa:9090"}}
	merged := MergeEndpoints(configured, discovered)
	if len(merged) != 2 {
		t.Fatalf("expected configured iam-qa plus discovered iam-adk, got %+v", merged)
	}
	if merged[0].URL != "grpc://iam-qa:9090" || merged[1].Target != adkID {
		t.Fatalf("unexpected merge %+v", merged)
	}
	if _, err := routing.NewTable("dev", nil, merged); err != nil {
		t.Fatalf("merged endpoints must build a table: %v", err)
	}
}
