// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on relay spans and metrics.
const (
	AttrSkillID        = "relay.skill.id"
	AttrSourceIdentity = "relay.source.identity"
	AttrTargetIdentity = "relay.target.identity"
	AttrCorrelationID  = "relay.correlation_id"
	AttrRouteMode      = "relay.route.mode"
	AttrEndpoint       = "relay.route.endpoint"
	AttrStreaming      = "relay.streaming"

	AttrResultStatus = "relay.result.status"
	AttrErrorKind    = "relay.error.kind"
	AttrDurationMs   = "relay.duration_ms"

	AttrOutcome      = "relay.orchestrator.outcome"
	AttrTargetsCount = "relay.orchestrator.targets"
)

// CallAttributes describes a single skill call.
func CallAttributes(skillID, source, target, correlationID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSkillID, skillID),
		attribute.String(AttrTargetIdentity, target),
	}
	if source != "" {
		attrs = append(attrs, attribute.String(AttrSourceIdentity, source))
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String(AttrCorrelationID, correlationID))
	}
	return attrs
}

// RouteAttributes describes the routing decision for a call.
func RouteAttributes(mode, endpoint string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRouteMode, mode),
	}
	if endpoint != "" {
		attrs = append(attrs, attribute.String(AttrEndpoint, endpoint))
	}
	return attrs
}

// ResultAttributes describes how a call ended.
func ResultAttributes(status, errorKind string, durationMs int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrResultStatus, status),
	}
	if errorKind != "" {
		attrs = append(attrs, attribute.String(AttrErrorKind, errorKind))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Int64(AttrDurationMs, durationMs))
	}
	return attrs
}
