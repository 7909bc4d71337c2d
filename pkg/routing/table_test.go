// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"testing"

	"github.com/jllopis/relay/pkg/errors"
)

func TestDecide_UnconfiguredEdgesAreLocal(t *testing.T) {
	table := MustTable("dev", []Flag{
		{Source: "foreman", Target: "iam-qa", Environment: "prod", Remote: true},
	}, nil)

	tests := []struct {
		source, target, environment string
	}{
		{"foreman", "iam-issue", "dev"},
		{"foreman", "iam-qa", "dev"},
		{"iam-qa", "iam-adk", ""},
		{"spiffe://relay.local/agent/foreman/dev/us-central1/0.1.0", "iam-adk", "staging"},
	}
	for _, tt := range tests {
		d, err := table.Decide(tt.source, tt.target, tt.environment)
		if err != nil {
			t.Fatalf("%v: unexpected error %v", tt, err)
		}
		if d.Mode != ModeLocal {
			t.Errorf("%v: expected local, got %s", tt, d.Mode)
		}
		if d.Endpoint != "" {
			t.Errorf("%v: local decisions carry no endpoint", tt)
		}
	}
}

func TestDecide_DefaultsToLocal(t *testing.T) {
	table := MustTable("dev", nil, nil)
	d, err := table.Decide("foreman", "iam-issue", "dev")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Mode != ModeLocal || d.Environment != "dev" {
		t.Fatalf("expected local decision in dev, got %+v", d)
	}
}

func TestDecide_RemoteWithoutEndpoint(t *testing.T) {
	table := MustTable("prod", []Flag{
		{Source: "foreman", Target: "iam-qa", Environment: "prod", Remote: true},
	}, nil)
	d, err := table.Decide("foreman", "iam-qa", "prod")
	if !errors.Is(err, errors.KindRoutingUnresolved) {
		t.Fatalf("expected routing_unresolved, got %v", err)
	}
	if d.Mode != ModeRemote {
		t.Fatalf("a missing endpoint must not downgrade the decision to local")
	}
}

func TestDecide_RemoteWithEndpoint(t *testing.T) {
	table := MustTable("prod",
		[]Flag{{Source: "foreman", Target: "spiffe://relay.local/agent/iam-qa/prod/us-central1/0.1.0", Remote: true}},
		[]Endpoint{{Target: "iam-qa", URL: "grpc://iam-qa.internal:9090"}},
	)
	d, err := table.Decide("spiffe://relay.local/agent/foreman/prod/us-central1/0.1.0", "iam-qa", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Mode != ModeRemote || d.Endpoint != "grpc://iam-qa.internal:9090" {
		t.Fatalf("unexpected decision %+v", d)
	}

	if d, _ := table.Decide("foreman", "iam-qa", "dev"); d.Mode != ModeLocal {
		t.Fatalf("flags are scoped to their environment")
	}
}

func TestDecide_ExplicitlyDisabledEdge(t *testing.T) {
	table := MustTable("prod",
		[]Flag{{Source: "foreman", Target: "iam-qa", Remote: false}},
		[]Endpoint{{Target: "iam-qa", URL: "grpc://iam-qa.internal:9090"}},
	)
	if d, _ := table.Decide("foreman", "iam-qa", ""); d.Mode != ModeLocal {
		t.Fatalf("an endpoint alone must not enable remote routing")
	}
}

func TestNewTable_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		flags       []Flag
		endpoints   []Endpoint
	}{
		{name: "no environment"},
		{name: "flag without target", environment: "dev", flags: []Flag{{Source: "foreman", Remote: true}}},
		{name: "conflicting flags", environment: "dev", flags: []Flag{
			{Source: "foreman", Target: "iam-qa", Remote: true},
			{Source: "foreman", Target: "iam-qa", Remote: false},
		}},
		{name: "endpoint without url", environment: "dev", endpoints: []Endpoint{{Target: "iam-qa"}}},
		{name: "conflicting endpoints", environment: "dev", endpoints: []Endpoint{
			{Target: "iam-qa", URL: "grpc://a:1"},
			{Target: "iam-qa", URL: "grpc://b:1"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.environment, tt.flags, tt.endpoints); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRemoteEdges(t *testing.T) {
	table := MustTable("dev", []Flag{
		{Source: "foreman", Target: "iam-qa", Environment: "prod", Remote: true},
		{Source: "foreman", Target: "iam-adk", Remote: true},
		{Source: "foreman", Target: "iam-issue", Remote: false},
	}, nil)
	edges := table.RemoteEdges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 remote edges, got %v", edges)
	}
	if edges[0].Environment != "dev" || edges[0].Target != "iam-adk" {
		t.Fatalf("unexpected order %v", edges)
	}
}
