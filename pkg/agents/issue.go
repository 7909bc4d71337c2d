// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/schema"
)

const (
	// IssueName is the identity name of the issue tracker agent.
	IssueName = "iam-issue"

	CreateIssueSkill = "iam_issue.create_issue"
	GetIssueSkill    = "iam_issue.get_issue"
)

// IssueInput is the input of CreateIssueSkill.
type IssueInput struct {
	Title    string   `json:"title" jsonschema:"required,minLength=1"`
	Body     string   `json:"body,omitempty"`
	Severity string   `json:"severity,omitempty" jsonschema:"enum=low,enum=medium,enum=high"`
	Labels   []string `json:"labels,omitempty"`
}

// IssueRef is the input of GetIssueSkill.
type IssueRef struct {
	IssueID string `json:"issue_id" jsonschema:"required"`
}

// Issue is the output of both issue skills.
type Issue struct {
	IssueID       string   `json:"issue_id" jsonschema:"required"`
	Title         string   `json:"title" jsonschema:"required"`
	Body          string   `json:"body,omitempty"`
	Severity      string   `json:"severity" jsonschema:"required"`
	Labels        []string `json:"labels" jsonschema:"required"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	CreatedAt     string   `json:"created_at" jsonschema:"required"`
}

var issueCardConfig = agentcard.Config{
	Name:         IssueName,
	Description:  "Files and looks up issues raised by other agents.",
	Capabilities: []string{"issues"},
	Skills: []agentcard.Skill{
		{
			ID:           CreateIssueSkill,
			Name:         "Create issue",
			Description:  "Records a new issue and returns it.",
			InputSchema:  schema.MustReflect[IssueInput](),
			OutputSchema: schema.MustReflect[Issue](),
		},
		{
			ID:           GetIssueSkill,
			Name:         "Get issue",
			Description:  "Returns a previously created issue.",
			InputSchema:  schema.MustReflect[IssueRef](),
			OutputSchema: schema.MustReflect[Issue](),
		},
	},
}

type issueStore struct {
	mu     sync.RWMutex
	issues map[string]Issue
}

func newIssue(id agentcard.Identity, deps Deps) (agent.Agent, error) {
	store := &issueStore{issues: make(map[string]Issue)}
	return newAgent(id, deps,
		agent.WithHandler(CreateIssueSkill, store.create),
		agent.WithHandler(GetIssueSkill, store.get),
	)
}

func (s *issueStore) create(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in IssueInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	issue := Issue{
		IssueID:   uuid.NewString(),
		Title:     in.Title,
		Body:      in.Body,
		Severity:  in.Severity,
		Labels:    append([]string{}, in.Labels...),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if issue.Severity == "" {
		issue.Severity = "medium"
	}
	issue.CorrelationID, _ = envelope.CorrelationID(ctx)

	s.mu.Lock()
	s.issues[issue.IssueID] = issue
	s.mu.Unlock()
	return encode(issue)
}

func (s *issueStore) get(_ context.Context, input map[string]any) (map[string]any, error) {
	var in IssueRef
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	s.mu.RLock()
	issue, ok := s.issues[in.IssueID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("issue %s not found", in.IssueID)
	}
	return encode(issue)
}
