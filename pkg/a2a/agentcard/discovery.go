// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agentcard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Discovery constants for AgentCard HTTP endpoints.
const (
	// WellKnownPath is the standardized location for AgentCard discovery.
	WellKnownPath = "/.well-known/agent-card.json"
	// MediaType is the media type for card payloads.
	MediaType = "application/json"
)

// PublishHandler serves the provided cards as JSON. A single card is served
// as an object, several as an array.
func PublishHandler(cards ...*AgentCard) http.Handler {
	published := make([]*AgentCard, 0, len(cards))
	for _, card := range cards {
		if card != nil {
			published = append(published, card.Clone())
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(published) == 0 {
			http.Error(w, "agent card not configured", http.StatusNotFound)
			return
		}
		var payload []byte
		var err error
		if len(published) == 1 {
			payload, err = json.Marshal(published[0])
		} else {
			payload, err = json.Marshal(published)
		}
		if err != nil {
			http.Error(w, "failed to encode agent card", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", MediaType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})
}

// Fetch retrieves the first AgentCard published at a base URL.
func Fetch(ctx context.Context, baseURL string) (*AgentCard, error) {
	cards, err := FetchAll(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("no agent card published at %s", baseURL)
	}
	return cards[0], nil
}

// FetchAll retrieves every AgentCard published at a base URL.
func FetchAll(ctx context.Context, baseURL string) ([]*AgentCard, error) {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, WellKnownPath) {
		url += WellKnownPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", MediaType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card fetch failed: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var cards []*AgentCard
		if err := json.Unmarshal(body, &cards); err != nil {
			return nil, err
		}
		return cards, nil
	}
	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, err
	}
	return []*AgentCard{&card}, nil
}
