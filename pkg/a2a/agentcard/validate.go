// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agentcard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jllopis/relay/pkg/schema"
)

var (
	// skill ids follow {namespace}.{verb}_{noun}
	skillIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9]*_[a-z0-9_]*[a-z0-9]$`)
	semverPattern  = regexp.MustCompile(`^v?[0-9]+\.[0-9]+\.[0-9]+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)
)

// Violation describes one reason a card is unusable.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// ValidationError is returned by Load when a card has violations.
type ValidationError struct {
	Source     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	if e.Source == "" {
		return fmt.Sprintf("invalid agent card: %s", strings.Join(parts, "; "))
	}
	return fmt.Sprintf("invalid agent card %s: %s", e.Source, strings.Join(parts, "; "))
}

// ValidSkillID reports whether id has the {namespace}.{verb}_{noun} shape.
func ValidSkillID(id string) bool {
	return skillIDPattern.MatchString(id)
}

// Validate returns every violation found on card, in a stable order. It does
// not modify the card, so repeated calls yield the same list.
func Validate(card *AgentCard) []Violation {
	if card == nil {
		return []Violation{{Field: "card", Message: "is nil"}}
	}
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(card.Name) == "" {
		add("name", "is required")
	}
	switch {
	case strings.TrimSpace(card.Version) == "":
		add("version", "is required")
	case !semverPattern.MatchString(card.Version):
		add("version", "%q is not a semantic version", card.Version)
	}
	if strings.TrimSpace(card.Identity) == "" {
		add("identity", "is required")
	} else if _, err := ParseIdentity(card.Identity); err != nil {
		add("identity", "%v", err)
	}
	if len(card.Skills) == 0 {
		add("skills", "at least one skill is required")
	}

	seen := make(map[string]int, len(card.Skills))
	for i, skill := range card.Skills {
		field := fmt.Sprintf("skills[%d]", i)
		switch {
		case strings.TrimSpace(skill.ID) == "":
			add(field+".skill_id", "is required")
		case !ValidSkillID(skill.ID):
			add(field+".skill_id", "%q does not match {namespace}.{verb}_{noun}", skill.ID)
		}
		if skill.ID != "" {
			if first, dup := seen[skill.ID]; dup {
				add(field+".skill_id", "%q duplicates skills[%d]", skill.ID, first)
			} else {
				seen[skill.ID] = i
			}
		}
		if err := checkSchema(skill.InputSchema); err != nil {
			add(field+".input_schema", "%v", err)
		}
		if err := checkSchema(skill.OutputSchema); err != nil {
			add(field+".output_schema", "%v", err)
		}
	}
	return out
}

func checkSchema(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("is required")
	}
	_, err := schema.Compile(raw)
	return err
}
