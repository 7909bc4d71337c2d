// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/audit"
	"github.com/jllopis/relay/pkg/credentials"
	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/remote"
	"github.com/jllopis/relay/pkg/stream"
)

func (g *Gateway) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	agentcard.PublishHandler(g.cards.Cards()...).ServeHTTP(w, r)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	cards := g.cards.Cards()
	if cards == nil {
		cards = []*agentcard.AgentCard{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	card, ok := g.cards.Card(name)
	if !ok {
		id, _ := envelope.CorrelationID(r.Context())
		writeError(w, id, errors.Newf(errors.KindRoutingUnresolved, "unknown agent %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	env, ctx, ok := g.readEnvelope(w, r, g.source)
	if !ok {
		return
	}
	writeResult(w, g.router.Invoke(ctx, env))
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	env, ctx, ok := g.readEnvelope(w, r, g.source)
	if !ok {
		return
	}
	g.serveStream(ctx, w, env, g.router.Stream(ctx, env))
}

func (g *Gateway) handlePeerSend(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ctx, ok := g.readEnvelope(w, r, r.Header.Get(remote.HeaderSourceIdentity))
	if !ok {
		return
	}
	if err := g.verifyPeer(ctx, r, env); err != nil {
		result := envelope.Failure(env, err, started)
		writeResultStatus(w, result, http.StatusUnauthorized)
		return
	}
	writeResult(w, g.router.InvokeLocal(ctx, env))
}

func (g *Gateway) handlePeerStream(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ctx, ok := g.readEnvelope(w, r, r.Header.Get(remote.HeaderSourceIdentity))
	if !ok {
		return
	}
	if err := g.verifyPeer(ctx, r, env); err != nil {
		writeResultStatus(w, envelope.Failure(env, err, started), http.StatusUnauthorized)
		return
	}
	g.serveStream(ctx, w, env, g.router.StreamLocal(ctx, env))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy})
		return
	}
	results, overall := g.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

type orchestrationRequest struct {
	orchestrator.Task
	Targets []string `json:"targets"`
}

func (g *Gateway) handleOrchestration(w http.ResponseWriter, r *http.Request) {
	id, _ := envelope.CorrelationID(r.Context())
	var req orchestrationRequest
	if err := g.decode(w, r, &req); err != nil {
		writeError(w, id, err, http.StatusBadRequest)
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, id, errors.Newf(errors.KindContractViolation, "targets must not be empty"), http.StatusBadRequest)
		return
	}
	if req.SourceIdentity == "" {
		req.SourceIdentity = g.source
	}
	agg := g.fanout.Run(r.Context(), req.Task, req.Targets)
	w.Header().Set(HeaderCorrelationID, agg.CorrelationID)
	writeJSON(w, http.StatusOK, agg)
}

func (g *Gateway) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	id, _ := envelope.CorrelationID(r.Context())
	q := r.URL.Query()
	filter := audit.Filter{
		RunID:          q.Get("run_id"),
		CorrelationID:  q.Get("correlation_id"),
		TargetIdentity: q.Get("target"),
		Outcome:        q.Get("outcome"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, id, errors.Newf(errors.KindContractViolation, "invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	records, err := g.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, id, errors.New(errors.KindInternal, "list audit records", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// readEnvelope decodes the request envelope and fills in the correlation id
// and source identity when the body leaves them out. On failure it has
// already answered the request.
func (g *Gateway) readEnvelope(w http.ResponseWriter, r *http.Request, defaultSource string) (envelope.TaskEnvelope, context.Context, bool) {
	id, _ := envelope.CorrelationID(r.Context())
	var env envelope.TaskEnvelope
	if err := g.decode(w, r, &env); err != nil {
		writeError(w, id, err, http.StatusBadRequest)
		return env, nil, false
	}
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = id
	}
	envelope.EnsureCorrelationID(&env)
	if env.SourceIdentity == "" {
		env.SourceIdentity = defaultSource
	}
	w.Header().Set(HeaderCorrelationID, env.Metadata.CorrelationID)
	return env, envelope.ContextWithCorrelationID(r.Context(), env.Metadata.CorrelationID), true
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, out any) *errors.Error {
	body := http.MaxBytesReader(w, r.Body, g.maxBody)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return errors.New(errors.KindContractViolation, "malformed request body", err)
	}
	return nil
}

func (g *Gateway) verifyPeer(ctx context.Context, r *http.Request, env envelope.TaskEnvelope) error {
	if g.verifier == nil {
		return nil
	}
	token := credentials.BearerToken(r.Header.Get(remote.HeaderAuthorization))
	claims, err := g.verifier.Verify(ctx, token, env.TargetIdentity)
	if err != nil {
		g.logger.WarnContext(ctx, "rejected peer call",
			slog.String("correlation_id", env.Metadata.CorrelationID),
			slog.String("error", err.Error()),
		)
		return errors.New(errors.KindTransportError, "peer credentials rejected", err).
			WithDetail("code", strconv.Itoa(http.StatusUnauthorized)).
			WithRecoverable(false)
	}
	if claims.Subject != env.SourceIdentity {
		return errors.Newf(errors.KindTransportError, "token subject %q does not match source identity", claims.Subject).
			WithDetail("code", strconv.Itoa(http.StatusUnauthorized)).
			WithRecoverable(false)
	}
	return nil
}

func (g *Gateway) serveStream(ctx context.Context, w http.ResponseWriter, env envelope.TaskEnvelope, fragments *stream.Stream) {
	defer fragments.Close()
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, env.Metadata.CorrelationID, errors.New(errors.KindInternal, "streaming unsupported", err), http.StatusInternalServerError)
		return
	}
	for f := range fragments.All() {
		if err := sse.Send(f); err != nil {
			g.logger.DebugContext(ctx, "stream client went away",
				slog.String("correlation_id", env.Metadata.CorrelationID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

func writeResult(w http.ResponseWriter, result envelope.TaskResult) {
	status := http.StatusOK
	if !result.OK() {
		status = errors.HTTPStatus(errors.Kind(result.ErrorKind()))
	}
	writeResultStatus(w, result, status)
}

func writeResultStatus(w http.ResponseWriter, result envelope.TaskResult, status int) {
	if result.Metadata.CorrelationID != "" {
		w.Header().Set(HeaderCorrelationID, result.Metadata.CorrelationID)
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
