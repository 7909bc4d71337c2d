// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing decides per call whether a target runs in this process or
// in a separately deployed instance, and dispatches accordingly.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/errors"
)

// Mode is where a call is dispatched.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Decision is the outcome of routing a single call.
type Decision struct {
	TargetIdentity string `json:"target_identity"`
	Environment    string `json:"environment"`
	Mode           Mode   `json:"mode"`
	Endpoint       string `json:"resolved_endpoint,omitempty"`
}

// Flag enables or disables remote routing for one edge in one environment.
// Source and Target accept agent names or full identities.
type Flag struct {
	Source      string `json:"source" yaml:"source" koanf:"source"`
	Target      string `json:"target" yaml:"target" koanf:"target"`
	Environment string `json:"environment" yaml:"environment" koanf:"environment"`
	Remote      bool   `json:"remote" yaml:"remote" koanf:"remote"`
}

// Endpoint is where a target is deployed in one environment.
type Endpoint struct {
	Target      string `json:"target" yaml:"target" koanf:"target"`
	Environment string `json:"environment" yaml:"environment" koanf:"environment"`
	URL         string `json:"url" yaml:"url" koanf:"url"`
}

type edge struct {
	source, target, environment string
}

type placement struct {
	target, environment string
}

// Table is the immutable routing configuration: the current environment, the
// per-edge remote flags and the per-target endpoints.
type Table struct {
	environment string
	flags       map[edge]bool
	endpoints   map[placement]string
}

// NewTable builds a table for environment. Conflicting duplicate entries are
// rejected so a typo cannot silently flip an edge.
func NewTable(environment string, flags []Flag, endpoints []Endpoint) (*Table, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return nil, fmt.Errorf("routing environment is required")
	}
	t := &Table{
		environment: environment,
		flags:       make(map[edge]bool, len(flags)),
		endpoints:   make(map[placement]string, len(endpoints)),
	}
	for i, f := range flags {
		key := edge{source: agentcard.NameOf(f.Source), target: agentcard.NameOf(f.Target), environment: t.env(f.Environment)}
		if key.source == "" || key.target == "" {
			return nil, fmt.Errorf("routing flag %d: source and target are required", i)
		}
		if prev, ok := t.flags[key]; ok && prev != f.Remote {
			return nil, fmt.Errorf("routing flag %d: conflicting entries for %s -> %s in %s", i, key.source, key.target, key.environment)
		}
		t.flags[key] = f.Remote
	}
	for i, e := range endpoints {
		key := placement{target: agentcard.NameOf(e.Target), environment: t.env(e.Environment)}
		url := strings.TrimSpace(e.URL)
		if key.target == "" || url == "" {
			return nil, fmt.Errorf("routing endpoint %d: target and url are required", i)
		}
		if prev, ok := t.endpoints[key]; ok && prev != url {
			return nil, fmt.Errorf("routing endpoint %d: conflicting urls for %s in %s", i, key.target, key.environment)
		}
		t.endpoints[key] = url
	}
	return t, nil
}

// MustTable is like NewTable but panics on error.
func MustTable(environment string, flags []Flag, endpoints []Endpoint) *Table {
	t, err := NewTable(environment, flags, endpoints)
	if err != nil {
		panic(err)
	}
	return t
}

// Environment returns the environment calls are routed in by default.
func (t *Table) Environment() string {
	return t.environment
}

// Decide routes a call from source to target in environment (the table's
// environment when empty). Unconfigured edges are local. A remote edge
// without an endpoint is a routing_unresolved error; it is never downgraded
// to local.
func (t *Table) Decide(source, target, environment string) (Decision, error) {
	environment = t.env(environment)
	d := Decision{TargetIdentity: target, Environment: environment, Mode: ModeLocal}
	targetName := agentcard.NameOf(target)
	if !t.flags[edge{source: agentcard.NameOf(source), target: targetName, environment: environment}] {
		return d, nil
	}
	d.Mode = ModeRemote
	endpoint, ok := t.endpoints[placement{target: targetName, environment: environment}]
	if !ok {
		return d, errors.Newf(errors.KindRoutingUnresolved, "remote routing enabled for %s in %s but no endpoint is configured", targetName, environment).
			WithDetail("target", targetName).
			WithDetail("environment", environment)
	}
	d.Endpoint = endpoint
	return d, nil
}

// Endpoint returns the configured endpoint for target in environment.
func (t *Table) Endpoint(target, environment string) (string, bool) {
	url, ok := t.endpoints[placement{target: agentcard.NameOf(target), environment: t.env(environment)}]
	return url, ok
}

// RemoteEdges lists the edges flagged remote, sorted, for diagnostics.
func (t *Table) RemoteEdges() []Flag {
	var out []Flag
	for key, remote := range t.flags {
		if remote {
			out = append(out, Flag{Source: key.source, Target: key.target, Environment: key.environment, Remote: true})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Environment != b.Environment {
			return a.Environment < b.Environment
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Target < b.Target
	})
	return out
}

func (t *Table) env(environment string) string {
	if environment = strings.TrimSpace(environment); environment != "" {
		return environment
	}
	return t.environment
}
