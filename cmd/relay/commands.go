// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agents"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/orchestrator"
)

// ValidateCmd checks the configuration, the local agent identities, the
// card files and the routing table without serving anything.
type ValidateCmd struct{}

func (v *ValidateCmd) Run(cli *CLI) error {
	cfg, _, err := cli.setup()
	if err != nil {
		return err
	}

	var problems []string
	for _, identity := range cfg.Agents.Local {
		if _, err := agents.Card(identity, cfg.Agents.URL); err != nil {
			problems = append(problems, fmt.Sprintf("agents.local %s: %v", identity, err))
		}
	}
	cards, err := agentcard.LoadAll(context.Background(), cfg.Agents.Cards)
	if err != nil {
		problems = append(problems, fmt.Sprintf("agents.cards: %v", err))
	}
	if _, err := buildTable(cfg, nil); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}

	fmt.Fprintf(cli.outWriter(), "configuration ok: %d local agents, %d cards, %d routing flags\n",
		len(cfg.Agents.Local), len(cards), len(cfg.Routing.Flags))
	return nil
}

// CardsCmd prints the cards of the locally served agents.
type CardsCmd struct{}

func (c *CardsCmd) Run(cli *CLI) error {
	cfg, _, err := cli.setup()
	if err != nil {
		return err
	}
	cards := make([]*agentcard.AgentCard, 0, len(cfg.Agents.Local))
	for _, identity := range cfg.Agents.Local {
		card, err := agents.Card(identity, cfg.Agents.URL)
		if err != nil {
			return err
		}
		cards = append(cards, card)
	}
	return printJSON(cli.outWriter(), cards)
}

// InvokeCmd builds the configured process and performs one call through its
// routing adapter.
type InvokeCmd struct {
	Target string `arg:"" help:"Target identity or unique agent name."`
	Skill  string `arg:"" help:"Skill id."`
	Input  string `help:"Skill input as a JSON object." default:"{}"`
	Source string `help:"Source identity. Defaults to gateway.source_identity."`
	Stream bool   `help:"Print fragments as they arrive."`
}

func (c *InvokeCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.setup()
	if err != nil {
		return err
	}
	input, err := parseInput(c.Input)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	target := c.Target
	if entry, ok := a.registry.Lookup(target); ok {
		target = entry.Card.Identity
	}
	source := c.Source
	if source == "" {
		source = cfg.Gateway.SourceIdentity
	}
	env := envelope.NewRequest(ctx, source, target, c.Skill, input)

	out := cli.outWriter()
	if c.Stream {
		fragments := a.adapter.Stream(ctx, env)
		defer fragments.Close()
		for f := range fragments.All() {
			if err := printJSON(out, f); err != nil {
				return err
			}
		}
		return nil
	}
	result := a.adapter.Invoke(ctx, env)
	if err := printJSON(out, result); err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("call failed: %s", result.ErrorKind())
	}
	return nil
}

// FanoutCmd runs one task against several targets and prints the aggregate.
type FanoutCmd struct {
	Skill   string   `arg:"" help:"Skill id."`
	Targets []string `arg:"" help:"Target identities."`
	Input   string   `help:"Skill input as a JSON object." default:"{}"`
	Source  string   `help:"Source identity. Defaults to gateway.source_identity."`
}

func (f *FanoutCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.setup()
	if err != nil {
		return err
	}
	input, err := parseInput(f.Input)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	source := f.Source
	if source == "" {
		source = cfg.Gateway.SourceIdentity
	}
	agg := a.orch.Run(ctx, orchestrator.Task{SkillID: f.Skill, SourceIdentity: source, Input: input}, f.Targets)
	return printJSON(cli.outWriter(), agg)
}

func parseInput(raw string) (map[string]any, error) {
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
