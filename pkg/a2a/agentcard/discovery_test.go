// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agentcard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublishHandler_NoCard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, WellKnownPath, nil)
	rec := httptest.NewRecorder()

	PublishHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPublishHandler_ServesCard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, WellKnownPath, nil)
	rec := httptest.NewRecorder()

	PublishHandler(validCard()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != MediaType {
		t.Fatalf("expected content type %q", MediaType)
	}
	var card AgentCard
	if err := json.Unmarshal(rec.Body.Bytes(), &card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Name != "iam-adk" {
		t.Fatalf("unexpected card %q", card.Name)
	}
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(PublishHandler(validCard()))
	defer server.Close()

	got, err := Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got.Name != "iam-adk" {
		t.Fatalf("expected name %q, got %q", "iam-adk", got.Name)
	}
}

func TestFetchAll_Array(t *testing.T) {
	second := validCard()
	second.Name = "iam-qa"
	server := httptest.NewServer(PublishHandler(validCard(), second))
	defer server.Close()

	cards, err := FetchAll(context.Background(), server.URL+"/")
	if err != nil {
		t.Fatalf("FetchAll error: %v", err)
	}
	if len(cards) != 2 || cards[1].Name != "iam-qa" {
		t.Fatalf("unexpected cards %+v", cards)
	}
}

func TestFetch_NonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := Fetch(context.Background(), server.URL); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
