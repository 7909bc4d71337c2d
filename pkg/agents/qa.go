// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"fmt"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/schema"
	"github.com/jllopis/relay/pkg/stream"
)

const (
	// QAName is the identity name of the QA agent.
	QAName = "iam-qa"

	RunChecksSkill = "iam_qa.run_checks"
)

// QAInput is the input of RunChecksSkill.
type QAInput struct {
	Targets []string `json:"targets" jsonschema:"required,minItems=1"`
}

// QATargetResult is streamed once per target.
type QATargetResult struct {
	Target           string   `json:"target"`
	ComplianceStatus string   `json:"compliance_status,omitempty"`
	Violations       []string `json:"violations,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// QAOutput is the final output of RunChecksSkill.
type QAOutput struct {
	Passed  int              `json:"passed" jsonschema:"required"`
	Failed  int              `json:"failed" jsonschema:"required"`
	Errored int              `json:"errored" jsonschema:"required"`
	Results []QATargetResult `json:"results" jsonschema:"required"`
}

var qaCardConfig = agentcard.Config{
	Name:         QAName,
	Description:  "Runs compliance checks across many targets and streams progress.",
	Capabilities: []string{"streaming"},
	Skills: []agentcard.Skill{{
		ID:           RunChecksSkill,
		Name:         "Run checks",
		Description:  "Delegates a compliance check per target and streams each result.",
		InputSchema:  schema.MustReflect[QAInput](),
		OutputSchema: schema.MustReflect[QAOutput](),
	}},
}

func newQA(id agentcard.Identity, deps Deps) (agent.Agent, error) {
	if deps.Caller == nil {
		return nil, fmt.Errorf("%s requires a caller to delegate checks", QAName)
	}
	adk := deps.Peers[ADKName]
	if adk == "" {
		adk = agentcard.Identity{
			Scheme:      id.Scheme,
			Authority:   id.Authority,
			Name:        ADKName,
			Environment: id.Environment,
			Region:      id.Region,
			Version:     id.Version,
		}.String()
	}
	self := id.String()
	run := func(ctx context.Context, input map[string]any, yield func(stream.Fragment) bool) error {
		var in QAInput
		if err := decode(input, &in); err != nil {
			return err
		}
		out := QAOutput{Results: make([]QATargetResult, 0, len(in.Targets))}
		for _, target := range in.Targets {
			env := envelope.NewRequest(ctx, self, adk, CheckComplianceSkill, map[string]any{"target": target})
			res := deps.Caller.Invoke(ctx, env)
			item := QATargetResult{Target: target}
			switch {
			case !res.OK():
				item.Error = res.ErrorKind()
				if res.Error != nil {
					item.Error += ": " + res.Error.Message
				}
				out.Errored++
			default:
				var check ComplianceOutput
				if err := decode(res.Output, &check); err != nil {
					return err
				}
				item.ComplianceStatus = check.ComplianceStatus
				item.Violations = check.Violations
				if check.ComplianceStatus == Compliant {
					out.Passed++
				} else {
					out.Failed++
				}
			}
			out.Results = append(out.Results, item)
			data, err := encode(item)
			if err != nil {
				return err
			}
			if !yield(stream.Data(data)) {
				return nil
			}
		}
		final, err := encode(out)
		if err != nil {
			return err
		}
		yield(stream.Final(final))
		return nil
	}
	return newAgent(id, deps,
		agent.WithStreamHandler(RunChecksSkill, run),
	)
}
