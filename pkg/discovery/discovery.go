// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds the cards of agents served by other deployments
// and registers them as remote targets.
package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/routing"
)

// Provider lists agent cards.
type Provider interface {
	List(ctx context.Context) ([]*agentcard.AgentCard, error)
}

// Resolver aggregates providers in priority order.
type Resolver struct {
	providers []Provider
}

// NewResolver creates a resolver with providers in order of priority.
func NewResolver(providers ...Provider) (*Resolver, error) {
	filtered := make([]Provider, 0, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		filtered = append(filtered, provider)
	}
	if len(filtered) == 0 {
		return nil, stderrors.New("no discovery providers configured")
	}
	return &Resolver{providers: filtered}, nil
}

// Resolve returns the discovered cards in provider order, deduped by
// identity. A failing provider does not hide what the others found; its
// error is joined into the returned error.
func (r *Resolver) Resolve(ctx context.Context) ([]*agentcard.AgentCard, error) {
	if r == nil {
		return nil, stderrors.New("resolver is nil")
	}
	var (
		out  []*agentcard.AgentCard
		errs []error
	)
	seen := map[string]struct{}{}
	for _, provider := range r.providers {
		cards, err := provider.List(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, card := range cards {
			if card == nil || card.Identity == "" {
				continue
			}
			if _, ok := seen[card.Identity]; ok {
				continue
			}
			seen[card.Identity] = struct{}{}
			out = append(out, card)
		}
	}
	return out, stderrors.Join(errs...)
}

// Register adds every card not already known to registry. Local agents and
// earlier registrations win. It returns the cards it added.
func Register(registry *agent.Registry, cards []*agentcard.AgentCard, logger *slog.Logger) []*agentcard.AgentCard {
	if logger == nil {
		logger = slog.Default()
	}
	added := make([]*agentcard.AgentCard, 0, len(cards))
	for _, card := range cards {
		if _, ok := registry.Lookup(card.Identity); ok {
			continue
		}
		if err := registry.RegisterCard(card); err != nil {
			logger.Warn("discovered card rejected",
				slog.String("identity", card.Identity),
				slog.String("error", err.Error()),
			)
			continue
		}
		added = append(added, card)
	}
	return added
}

// Endpoints derives routing endpoints from the URLs of discovered cards.
func Endpoints(cards []*agentcard.AgentCard) []routing.Endpoint {
	out := make([]routing.Endpoint, 0, len(cards))
	for _, card := range cards {
		url := strings.TrimSpace(card.URL)
		if url == "" {
			continue
		}
		out = append(out, routing.Endpoint{Target: card.Identity, URL: url})
	}
	return out
}

// MergeEndpoints appends discovered endpoints for placements that configured
// has no entry for. Configured endpoints always win.
func MergeEndpoints(configured, discovered []routing.Endpoint) []routing.Endpoint {
	out := append([]routing.Endpoint(nil), configured...)
	seen := make(map[string]struct{}, len(configured))
	for _, e := range configured {
		seen[placementKey(e)] = struct{}{}
	}
	for _, e := range discovered {
		key := placementKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func placementKey(e routing.Endpoint) string {
	return fmt.Sprintf("%s|%s", agentcard.NameOf(e.Target), strings.TrimSpace(e.Environment))
}
