// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit persists the outcome of delegated calls. The orchestrator
// writes one record per target after each call returns.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is one persisted call outcome.
type Record struct {
	RunID          string    `json:"run_id"`
	CorrelationID  string    `json:"correlation_id"`
	SkillID        string    `json:"skill_id"`
	SourceIdentity string    `json:"source_identity"`
	TargetIdentity string    `json:"target_identity"`
	Outcome        string    `json:"outcome"`
	Status         string    `json:"status,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Output         any       `json:"output,omitempty"`
	Attempts       int       `json:"attempts"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Store persists call outcomes.
type Store interface {
	Record(ctx context.Context, record Record) error
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// Filter limits record queries. Empty fields match everything.
type Filter struct {
	RunID          string
	CorrelationID  string
	TargetIdentity string
	Outcome        string
	Limit          int
}

func (f Filter) match(r Record) bool {
	switch {
	case f.RunID != "" && r.RunID != f.RunID:
		return false
	case f.CorrelationID != "" && r.CorrelationID != f.CorrelationID:
		return false
	case f.TargetIdentity != "" && r.TargetIdentity != f.TargetIdentity:
		return false
	case f.Outcome != "" && r.Outcome != f.Outcome:
		return false
	}
	return true
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore returns an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends a record.
func (s *MemoryStore) Record(_ context.Context, record Record) error {
	record.StartedAt = normalizeTime(record.StartedAt)
	record.FinishedAt = normalizeTime(record.FinishedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// List returns filtered records in insertion order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if !filter.match(r) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeOutput(output any) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}

func decodeOutput(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
