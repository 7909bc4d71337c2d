// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/schema"
)

const (
	// ADKName is the identity name of the compliance checker.
	ADKName = "iam-adk"
	// CheckComplianceSkill checks one agent source file.
	CheckComplianceSkill = "iam_adk.check_adk_compliance"

	Compliant    = "COMPLIANT"
	NonCompliant = "NON_COMPLIANT"
)

// ComplianceInput is the input of CheckComplianceSkill.
type ComplianceInput struct {
	Target string `json:"target" jsonschema:"required,description=Path of the agent source to check"`
	Source string `json:"source,omitempty" jsonschema:"description=Inline source; read from target when empty"`
}

// ComplianceOutput is the output of CheckComplianceSkill.
type ComplianceOutput struct {
	ComplianceStatus string   `json:"compliance_status" jsonschema:"required,enum=COMPLIANT,enum=NON_COMPLIANT"`
	Violations       []string `json:"violations" jsonschema:"required"`
}

var adkCardConfig = agentcard.Config{
	Name:         ADKName,
	Description:  "Checks agent sources against ADK construction patterns.",
	Capabilities: []string{"compliance"},
	Skills: []agentcard.Skill{{
		ID:           CheckComplianceSkill,
		Name:         "Check ADK compliance",
		Description:  "Reports ADK pattern violations for one agent source file.",
		InputSchema:  schema.MustReflect[ComplianceInput](),
		OutputSchema: schema.MustReflect[ComplianceOutput](),
	}},
}

// Rule is one deterministic source check. Check returns a message when the
// source violates the rule.
type Rule struct {
	ID    string
	Check func(src string) string
}

var (
	adkImport    = regexp.MustCompile(`(?m)^\s*(from\s+google\.adk|import\s+google\.adk)`)
	rootAgent    = regexp.MustCompile(`(?m)^root_agent\s*=`)
	agentCtor    = regexp.MustCompile(`\b(LlmAgent|Agent|SequentialAgent|ParallelAgent|LoopAgent)\s*\(`)
	inlineSecret = regexp.MustCompile(`(?i)(api_key|secret|token)\s*=\s*["'][^"']{8,}["']`)
)

// DefaultRules are the checks applied by the compliance checker.
var DefaultRules = []Rule{
	{ID: "adk.import", Check: func(src string) string {
		if !adkImport.MatchString(src) {
			return "does not import google.adk"
		}
		return ""
	}},
	{ID: "adk.root_agent", Check: func(src string) string {
		if !rootAgent.MatchString(src) {
			return "does not define a module level root_agent"
		}
		return ""
	}},
	{ID: "adk.agent_constructor", Check: func(src string) string {
		if !agentCtor.MatchString(src) {
			return "does not construct an ADK agent"
		}
		return ""
	}},
	{ID: "adk.inline_secret", Check: func(src string) string {
		if inlineSecret.MatchString(src) {
			return "contains an inline credential"
		}
		return ""
	}},
}

// Check applies rules to src and returns the compliance output.
func Check(src string, rules []Rule) ComplianceOutput {
	out := ComplianceOutput{ComplianceStatus: Compliant, Violations: []string{}}
	for _, rule := range rules {
		if msg := rule.Check(src); msg != "" {
			out.Violations = append(out.Violations, rule.ID+": "+msg)
		}
	}
	if len(out.Violations) > 0 {
		out.ComplianceStatus = NonCompliant
	}
	return out
}

func newADK(id agentcard.Identity, deps Deps) (agent.Agent, error) {
	root := deps.SourceRoot
	return newAgent(id, deps,
		agent.WithHandler(CheckComplianceSkill, func(ctx context.Context, input map[string]any) (map[string]any, error) {
			var in ComplianceInput
			if err := decode(input, &in); err != nil {
				return nil, err
			}
			src := in.Source
			if src == "" {
				data, err := readTarget(root, in.Target)
				if err != nil {
					return nil, err
				}
				src = string(data)
			}
			return encode(Check(src, DefaultRules))
		}),
	)
}

func readTarget(root, target string) ([]byte, error) {
	if root == "" {
		root = "."
	}
	clean := filepath.Clean(filepath.FromSlash(target))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("target %q escapes the source root", target)
	}
	return os.ReadFile(filepath.Join(root, clean))
}
