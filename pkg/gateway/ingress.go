// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
)

// IngressMessage is a chat message delivered by a messaging platform webhook.
type IngressMessage struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text"`

	// Target and SkillID override the configured defaults.
	Target  string         `json:"target,omitempty"`
	SkillID string         `json:"skill_id,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// IngressReply is posted back to the platform.
type IngressReply struct {
	CorrelationID string              `json:"correlation_id"`
	Channel       string              `json:"channel"`
	ThreadID      string              `json:"thread_id,omitempty"`
	Status        envelope.Status     `json:"status"`
	Text          string              `json:"text"`
	Result        envelope.TaskResult `json:"result"`
}

type ingressContext struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request) {
	id, _ := envelope.CorrelationID(r.Context())
	var msg IngressMessage
	if err := g.decode(w, r, &msg); err != nil {
		writeError(w, id, err, http.StatusBadRequest)
		return
	}
	env, err := g.ingressEnvelope(r, msg, id)
	if err != nil {
		writeError(w, id, err, http.StatusBadRequest)
		return
	}
	g.logger.InfoContext(r.Context(), "ingress message",
		slog.String("platform", msg.Platform),
		slog.String("channel", msg.Channel),
		slog.String("skill_id", env.SkillID),
		slog.String("target", env.TargetIdentity),
		slog.String("correlation_id", id),
	)

	result := g.router.Invoke(r.Context(), env)
	reply := IngressReply{
		CorrelationID: result.Metadata.CorrelationID,
		Channel:       msg.Channel,
		ThreadID:      msg.ThreadID,
		Status:        result.Status,
		Text:          replyText(result),
		Result:        result,
	}
	status := http.StatusOK
	if !result.OK() {
		status = errors.HTTPStatus(errors.Kind(result.ErrorKind()))
	}
	w.Header().Set(HeaderCorrelationID, reply.CorrelationID)
	writeJSON(w, status, reply)
}

func (g *Gateway) ingressEnvelope(r *http.Request, msg IngressMessage, correlationID string) (envelope.TaskEnvelope, *errors.Error) {
	target := msg.Target
	if target == "" {
		target = g.ingress.target
	}
	skill := msg.SkillID
	if skill == "" {
		skill = g.ingress.skill
	}
	if target == "" || skill == "" {
		return envelope.TaskEnvelope{}, errors.Newf(errors.KindContractViolation, "ingress message names no target or skill and no default is configured")
	}
	input := msg.Input
	if input == nil {
		input = map[string]any{"text": msg.Text}
	}
	source := g.ingress.source
	if source == "" {
		source = g.source
	}
	raw, err := json.Marshal(ingressContext{
		Platform: msg.Platform,
		Channel:  msg.Channel,
		User:     msg.User,
		ThreadID: msg.ThreadID,
	})
	if err != nil {
		return envelope.TaskEnvelope{}, errors.New(errors.KindInternal, "encode ingress context", err)
	}
	return envelope.NewRequest(r.Context(), source, target, skill, input,
		envelope.WithCorrelationID(correlationID),
		envelope.WithContext(raw),
	), nil
}

func replyText(result envelope.TaskResult) string {
	if !result.OK() {
		return fmt.Sprintf("%s: %s (correlation id %s)", result.Error.Kind, result.Error.Message, result.Metadata.CorrelationID)
	}
	if text, ok := result.Output["text"].(string); ok {
		return text
	}
	if summary, ok := result.Output["summary"].(string); ok {
		return summary
	}
	data, err := json.Marshal(result.Output)
	if err != nil {
		return ""
	}
	return string(data)
}
