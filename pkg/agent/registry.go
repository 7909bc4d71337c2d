// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
)

// Entry is a registered target: its card and, when served in this process,
// the agent itself.
type Entry struct {
	Card  *agentcard.AgentCard
	Agent Agent
}

// Local reports whether the target is served in this process.
func (e Entry) Local() bool {
	return e.Agent != nil
}

// Registry indexes known targets by identity. It is written at startup and
// read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a locally served agent. Invalid cards fail closed.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	card := a.Describe()
	if card == nil {
		return fmt.Errorf("agent did not describe itself")
	}
	return r.add(Entry{Card: card, Agent: a})
}

// RegisterLazy adds an agent constructed on first use.
func (r *Registry) RegisterLazy(card *agentcard.AgentCard, factory Factory) error {
	if card == nil {
		return fmt.Errorf("lazy agent requires a card")
	}
	return r.add(Entry{Card: card.Clone(), Agent: Lazy(card, factory)})
}

// RegisterCard adds a target known only by its card. Calls to it must be
// routed remotely.
func (r *Registry) RegisterCard(card *agentcard.AgentCard) error {
	if card == nil {
		return fmt.Errorf("card is nil")
	}
	return r.add(Entry{Card: card.Clone()})
}

func (r *Registry) add(e Entry) error {
	if violations := agentcard.Validate(e.Card); len(violations) > 0 {
		return &agentcard.ValidationError{Source: e.Card.Name, Violations: violations}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.Card.Identity]; ok {
		// a local agent may take over a card registered for remote use
		if existing.Agent != nil || e.Agent == nil {
			return fmt.Errorf("identity %s already registered", e.Card.Identity)
		}
	} else {
		r.order = append(r.order, e.Card.Identity)
	}
	r.entries[e.Card.Identity] = e
	return nil
}

// Lookup resolves ref as a full identity, or as an agent name when exactly
// one registered identity carries it.
func (r *Registry) Lookup(ref string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[ref]; ok {
		return e.copy(), true
	}
	var (
		found Entry
		count int
	)
	for _, id := range r.order {
		e := r.entries[id]
		if e.Card.Name == ref || agentcard.NameOf(id) == ref {
			found = e
			count++
		}
	}
	if count != 1 {
		return Entry{}, false
	}
	return found.copy(), true
}

// Card returns a copy of the card for ref.
func (r *Registry) Card(ref string) (*agentcard.AgentCard, bool) {
	e, ok := r.Lookup(ref)
	if !ok {
		return nil, false
	}
	return e.Card, true
}

// Cards returns copies of all cards in registration order.
func (r *Registry) Cards() []*agentcard.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agentcard.AgentCard, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].Card.Clone())
	}
	return out
}

// LocalCards returns copies of the cards served in this process.
func (r *Registry) LocalCards() []*agentcard.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agentcard.AgentCard
	for _, id := range r.order {
		if e := r.entries[id]; e.Local() {
			out = append(out, e.Card.Clone())
		}
	}
	return out
}

// Identities returns the registered identities, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

func (e Entry) copy() Entry {
	return Entry{Card: e.Card.Clone(), Agent: e.Agent}
}
