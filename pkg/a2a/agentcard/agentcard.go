// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentcard defines the capability contract an agent publishes: its
// identity and the schema-described skills it can be asked to perform.
package agentcard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMode is the media type used when a card declares no input/output modes.
const DefaultMode = "application/json"

// Skill is a named, schema-described unit of capability.
type Skill struct {
	ID           string          `json:"skill_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// AgentCard is the immutable per-deployment descriptor of an agent.
type AgentCard struct {
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	URL                string   `json:"url"`
	Description        string   `json:"description"`
	Identity           string   `json:"identity"`
	Capabilities       []string `json:"capabilities"`
	Skills             []Skill  `json:"skills"`
	DefaultInputModes  []string `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string `json:"default_output_modes,omitempty"`
}

// Skill returns the skill with the given id.
func (c *AgentCard) Skill(id string) (Skill, bool) {
	if c == nil {
		return Skill{}, false
	}
	for _, skill := range c.Skills {
		if skill.ID == id {
			return skill, true
		}
	}
	return Skill{}, false
}

// SkillIDs returns the declared skill ids in card order.
func (c *AgentCard) SkillIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Skills))
	for _, skill := range c.Skills {
		out = append(out, skill.ID)
	}
	return out
}

// Clone returns a deep copy so an issued card can never be mutated by holders.
func (c *AgentCard) Clone() *AgentCard {
	if c == nil {
		return nil
	}
	out := *c
	out.Capabilities = cloneStrings(c.Capabilities)
	out.DefaultInputModes = cloneStrings(c.DefaultInputModes)
	out.DefaultOutputModes = cloneStrings(c.DefaultOutputModes)
	if c.Skills != nil {
		out.Skills = make([]Skill, len(c.Skills))
		for i, skill := range c.Skills {
			skill.InputSchema = append(json.RawMessage(nil), skill.InputSchema...)
			skill.OutputSchema = append(json.RawMessage(nil), skill.OutputSchema...)
			out.Skills[i] = skill
		}
	}
	return &out
}

// Config describes AgentCard fields that can be derived from runtime settings.
type Config struct {
	Name         string
	Description  string
	Version      string
	URL          string
	Identity     Identity
	Capabilities []string
	Skills       []Skill
	InputModes   []string
	OutputModes  []string
}

// Build assembles an AgentCard from the provided config. Identity name and
// version default to the card's own name and version.
func Build(cfg Config) *AgentCard {
	id := cfg.Identity
	if id.Scheme == "" {
		id.Scheme = DefaultScheme
	}
	if id.Name == "" {
		id.Name = cfg.Name
	}
	if id.Version == "" {
		id.Version = cfg.Version
	}
	inputModes := cloneStrings(cfg.InputModes)
	if len(inputModes) == 0 {
		inputModes = []string{DefaultMode}
	}
	outputModes := cloneStrings(cfg.OutputModes)
	if len(outputModes) == 0 {
		outputModes = []string{DefaultMode}
	}
	card := &AgentCard{
		Name:               cfg.Name,
		Version:            cfg.Version,
		URL:                cfg.URL,
		Description:        cfg.Description,
		Identity:           id.String(),
		Capabilities:       cloneStrings(cfg.Capabilities),
		Skills:             cfg.Skills,
		DefaultInputModes:  inputModes,
		DefaultOutputModes: outputModes,
	}
	return card.Clone()
}

// DefaultScheme is used by Build when an identity has no scheme.
const DefaultScheme = "spiffe"

var identityPattern = regexp.MustCompile(
	`^([a-z][a-z0-9+.-]*)://([^/\s]+)/agent/([a-z0-9][a-z0-9_-]*)/([a-z0-9][a-z0-9-]*)/([a-z0-9][a-z0-9-]*)/(v?[0-9]+\.[0-9]+\.[0-9]+(?:[-+][0-9A-Za-z.+-]+)?)$`,
)

// Identity is the parsed form of scheme://authority/agent/{name}/{env}/{region}/{version}.
type Identity struct {
	Scheme      string
	Authority   string
	Name        string
	Environment string
	Region      string
	Version     string
}

// ParseIdentity parses and checks an identity string.
func ParseIdentity(value string) (Identity, error) {
	match := identityPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return Identity{}, fmt.Errorf("identity %q does not match scheme://authority/agent/{name}/{env}/{region}/{version}", value)
	}
	return Identity{
		Scheme:      match[1],
		Authority:   match[2],
		Name:        match[3],
		Environment: match[4],
		Region:      match[5],
		Version:     match[6],
	}, nil
}

// String renders the identity in its canonical form.
func (id Identity) String() string {
	return fmt.Sprintf("%s://%s/agent/%s/%s/%s/%s", id.Scheme, id.Authority, id.Name, id.Environment, id.Region, id.Version)
}

// NameOf returns the agent name segment of an identity, or ref itself when it
// is not a full identity.
func NameOf(ref string) string {
	if id, err := ParseIdentity(ref); err == nil {
		return id.Name
	}
	return strings.TrimSpace(ref)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
