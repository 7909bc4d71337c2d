// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"

	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/routing"
)

// Pinger checks a remote endpoint. *remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) error
}

// Endpoint reports a remote peer as healthy when it answers a ping, and as
// degraded otherwise: this process keeps serving its own agents.
func Endpoint(pinger Pinger, endpoint string) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := pinger.Ping(ctx, endpoint); err != nil {
			return Result{Status: StatusDegraded, Message: endpoint + " unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: endpoint}
	})
}

// Registry reports healthy while at least one agent is served locally.
func Registry(adapter *routing.Adapter) Checker {
	return CheckerFunc(func(context.Context) Result {
		local := len(adapter.Registry().LocalCards())
		if local == 0 {
			return Result{Status: StatusDegraded, Message: "no local agents"}
		}
		return Result{Status: StatusHealthy, Message: fmt.Sprintf("%d local agents", local)}
	})
}

// Availability answers whether a call is worth attempting. A target is
// unavailable when it is not known here, or when it is routed to a remote
// endpoint that does not answer a ping. Routing misconfiguration is not
// unavailability: such calls are attempted and fail as routing_unresolved.
type Availability struct {
	adapter *routing.Adapter
	pinger  Pinger
}

// NewAvailability creates an availability check over adapter. A nil pinger
// treats every configured remote endpoint as reachable.
func NewAvailability(adapter *routing.Adapter, pinger Pinger) *Availability {
	return &Availability{adapter: adapter, pinger: pinger}
}

// Available returns nil when env's target can be called, or the reason it
// cannot.
func (a *Availability) Available(ctx context.Context, env envelope.TaskEnvelope) error {
	if _, ok := a.adapter.Registry().Lookup(env.TargetIdentity); !ok {
		return fmt.Errorf("%s is not deployed", env.TargetIdentity)
	}
	decision, err := a.adapter.Decide(env)
	if err != nil {
		if errors.Is(err, errors.KindRoutingUnresolved) {
			return nil
		}
		return err
	}
	if decision.Mode != routing.ModeRemote || a.pinger == nil {
		return nil
	}
	if err := a.pinger.Ping(ctx, decision.Endpoint); err != nil {
		return fmt.Errorf("%s is unreachable at %s: %w", env.TargetIdentity, decision.Endpoint, err)
	}
	return nil
}
