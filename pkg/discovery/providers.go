// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
)

// FileProvider loads cards from files or card URLs named in configuration.
// Any invalid card fails the whole list.
type FileProvider struct {
	Sources []string
}

// NewFileProvider builds a provider for sources.
func NewFileProvider(sources []string) *FileProvider {
	return &FileProvider{Sources: dedupe(sources)}
}

// List loads and validates every source.
func (p *FileProvider) List(ctx context.Context) ([]*agentcard.AgentCard, error) {
	if p == nil || len(p.Sources) == 0 {
		return nil, nil
	}
	return agentcard.LoadAll(ctx, p.Sources)
}

// WellKnownProvider fetches the cards published by peer gateways.
type WellKnownProvider struct {
	BaseURLs []string
}

// NewWellKnownProvider builds a provider for base URLs.
func NewWellKnownProvider(baseURLs []string) *WellKnownProvider {
	return &WellKnownProvider{BaseURLs: dedupe(baseURLs)}
}

// List fetches every peer. Cards without a URL are served at the peer they
// were fetched from. Unreachable peers and invalid cards are reported but
// do not stop the others.
func (p *WellKnownProvider) List(ctx context.Context) ([]*agentcard.AgentCard, error) {
	if p == nil || len(p.BaseURLs) == 0 {
		return nil, nil
	}
	var (
		out  []*agentcard.AgentCard
		errs []error
	)
	for _, baseURL := range p.BaseURLs {
		cards, err := agentcard.FetchAll(ctx, baseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("discover %s: %w", baseURL, err))
			continue
		}
		for _, card := range cards {
			if card.URL == "" {
				card.URL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), agentcard.WellKnownPath)
			}
			if violations := agentcard.Validate(card); len(violations) > 0 {
				errs = append(errs, &agentcard.ValidationError{Source: baseURL, Violations: violations})
				continue
			}
			out = append(out, card)
		}
	}
	return out, stderrors.Join(errs...)
}

func dedupe(values []string) []string {
	clean := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		clean = append(clean, v)
	}
	return clean
}
