// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agentcard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format names a card encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Load reads a card from a file path or an http(s) base URL and validates it.
// An invalid card fails closed: the error is a *ValidationError and no card is returned.
func Load(ctx context.Context, source string) (*AgentCard, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("agent card source is required")
	}

	var (
		card *AgentCard
		err  error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		card, err = Fetch(ctx, source)
	} else {
		card, err = loadFile(source)
	}
	if err != nil {
		return nil, err
	}
	if violations := Validate(card); len(violations) > 0 {
		return nil, &ValidationError{Source: source, Violations: violations}
	}
	return card, nil
}

// LoadAll loads every source, stopping at the first failure.
func LoadAll(ctx context.Context, sources []string) ([]*AgentCard, error) {
	out := make([]*AgentCard, 0, len(sources))
	for _, source := range sources {
		card, err := Load(ctx, source)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, nil
}

func loadFile(path string) (*AgentCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent card: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Parse(data, format)
}

// Parse decodes a card. YAML documents are converted to JSON first so skill
// schemas keep a single representation.
func Parse(data []byte, format Format) (*AgentCard, error) {
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode agent card yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert agent card yaml: %w", err)
		}
		data = converted
	}
	var card AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	return &card, nil
}
