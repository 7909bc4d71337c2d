// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agents provides the built-in agent variants. A variant is chosen
// by the name segment of the identity it is deployed under.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/envelope"
)

// Caller performs a delegated call. The routing adapter satisfies it.
type Caller interface {
	Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
}

// Deps carries what variants may need from the hosting process.
type Deps struct {
	// Caller is used by agents that delegate to other agents.
	Caller Caller
	// SourceRoot is where relative targets are read from.
	SourceRoot string
	// Peers maps agent names to the identities used when delegating.
	Peers map[string]string
	// Tools replaces the built-in handler of the named skills, for example
	// with a tool hosted by an MCP server.
	Tools  map[string]agent.Handler
	URL    string
	Logger *slog.Logger
}

type builder func(id agentcard.Identity, deps Deps) (agent.Agent, error)

var variants = map[string]builder{
	ADKName:   newADK,
	IssueName: newIssue,
	QAName:    newQA,
}

// Names lists the built-in variant names.
func Names() []string {
	out := make([]string, 0, len(variants))
	for name := range variants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ForIdentity builds the variant named by identity.
func ForIdentity(identity string, deps Deps) (agent.Agent, error) {
	id, err := agentcard.ParseIdentity(identity)
	if err != nil {
		return nil, err
	}
	build, ok := variants[id.Name]
	if !ok {
		return nil, fmt.Errorf("no built-in agent named %q", id.Name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return build(id, deps)
}

// Card returns the card a variant would publish under identity, without
// constructing the agent.
func Card(identity string, url string) (*agentcard.AgentCard, error) {
	id, err := agentcard.ParseIdentity(identity)
	if err != nil {
		return nil, err
	}
	cfg, ok := cards[id.Name]
	if !ok {
		return nil, fmt.Errorf("no built-in agent named %q", id.Name)
	}
	cfg.Identity = id
	cfg.Version = id.Version
	cfg.URL = url
	return agentcard.Build(cfg), nil
}

var cards = map[string]agentcard.Config{
	ADKName:   adkCardConfig,
	IssueName: issueCardConfig,
	QAName:    qaCardConfig,
}

func cardFor(id agentcard.Identity, deps Deps) *agentcard.AgentCard {
	cfg := cards[id.Name]
	cfg.Identity = id
	cfg.Version = id.Version
	cfg.URL = deps.URL
	return agentcard.Build(cfg)
}

// newAgent builds the variant's function agent, letting deps.Tools take
// over any declared skill.
func newAgent(id agentcard.Identity, deps Deps, opts ...agent.Option) (agent.Agent, error) {
	card := cardFor(id, deps)
	opts = append([]agent.Option{agent.WithLogger(deps.Logger)}, opts...)
	for _, skillID := range card.SkillIDs() {
		if h, ok := deps.Tools[skillID]; ok {
			opts = append(opts, agent.WithHandler(skillID, h))
		}
	}
	a, err := agent.New(card, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func decode(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func encode(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
