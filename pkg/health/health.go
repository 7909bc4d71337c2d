// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package health reports component health for the gateway and decides
// whether a delegation target is available before it is called.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health state of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "HEALTHY"

	// StatusDegraded indicates the component is operational but with reduced capacity.
	StatusDegraded Status = "DEGRADED"

	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "UNHEALTHY"
)

// Result represents the result of a health check.
type Result struct {
	Status    Status    `json:"status"`
	Component string    `json:"component"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// Checker checks the health of a component.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) Result {
	result := f(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}

// Static returns a checker that always reports status.
func Static(status Status, message string) Checker {
	return CheckerFunc(func(context.Context) Result {
		return Result{Status: status, Message: message}
	})
}

// Provider aggregates named checkers. Results are cached for the TTL so a
// busy health endpoint does not ping remote peers on every request.
type Provider struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	cache    map[string]Result
	cacheTTL time.Duration
	now      func() time.Time
}

// NewProvider creates a provider. A zero TTL defaults to 10s; a negative TTL
// disables caching.
func NewProvider(cacheTTL time.Duration) *Provider {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Provider{
		checkers: make(map[string]Checker),
		cache:    make(map[string]Result),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Register adds or replaces the checker for a component.
func (p *Provider) Register(name string, checker Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkers[name] = checker
	delete(p.cache, name)
}

// Replace swaps every checker whose name starts with prefix for checkers.
// Names in checkers must carry the prefix.
func (p *Provider) Replace(prefix string, checkers map[string]Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name := range p.checkers {
		if strings.HasPrefix(name, prefix) {
			delete(p.checkers, name)
			delete(p.cache, name)
		}
	}
	for name, checker := range checkers {
		p.checkers[name] = checker
		delete(p.cache, name)
	}
}

// Names returns the registered component names, sorted.
func (p *Provider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.checkers))
	for name := range p.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs the checker for one component.
func (p *Provider) Check(ctx context.Context, name string) (Result, error) {
	p.mu.RLock()
	checker, ok := p.checkers[name]
	p.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("checker not registered: %s", name)
	}
	return p.run(ctx, name, checker), nil
}

// CheckAll runs every checker and returns the results sorted by component
// and the overall status: unhealthy if any is unhealthy, degraded if any is
// degraded, healthy otherwise.
func (p *Provider) CheckAll(ctx context.Context) ([]Result, Status) {
	p.mu.RLock()
	names := make([]string, 0, len(p.checkers))
	checkers := make(map[string]Checker, len(p.checkers))
	for name, checker := range p.checkers {
		names = append(names, name)
		checkers[name] = checker
	}
	p.mu.RUnlock()
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	overall := StatusHealthy
	for _, name := range names {
		result := p.run(ctx, name, checkers[name])
		results = append(results, result)
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return results, overall
}

func (p *Provider) run(ctx context.Context, name string, checker Checker) Result {
	now := p.now()
	if p.cacheTTL > 0 {
		p.mu.RLock()
		cached, ok := p.cache[name]
		p.mu.RUnlock()
		if ok && now.Sub(cached.LastCheck) < p.cacheTTL {
			return cached
		}
	}
	result := checker.Check(ctx)
	result.Component = name
	if result.LastCheck.IsZero() {
		result.LastCheck = now
	}
	if p.cacheTTL > 0 {
		p.mu.Lock()
		p.cache[name] = result
		p.mu.Unlock()
	}
	return result
}
