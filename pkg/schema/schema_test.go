// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"testing"
)

const targetSchema = `{
  "type": "object",
  "properties": {"target": {"type": "string"}},
  "required": ["target"]
}`

func TestCompileRejectsNonObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "null", raw: "null"},
		{name: "string type", raw: `{"type":"string"}`},
		{name: "not json", raw: `{"type":`},
		{name: "missing type", raw: `{"properties":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(json.RawMessage(tt.raw)); err == nil {
				t.Fatalf("expected compile error for %q", tt.raw)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	v, err := Compile(json.RawMessage(targetSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if err := v.Validate(map[string]any{"target": "agents/bob/agent.py"}); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
	if err := v.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected missing required field to fail")
	}
	if err := v.Validate(nil); err == nil {
		t.Fatalf("expected nil input to be treated as empty object")
	}
	if err := v.Validate(map[string]any{"target": 42}); err == nil {
		t.Fatalf("expected wrong type to fail without coercion")
	}
}

func TestCompileIsCached(t *testing.T) {
	first, err := Compile(json.RawMessage(targetSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := Compile(json.RawMessage(targetSchema))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical schema documents to share a validator")
	}
}

type reflectInput struct {
	Target string   `json:"target" jsonschema:"required,description=Path to check"`
	Tags   []string `json:"tags,omitempty"`
}

func TestReflect(t *testing.T) {
	raw, err := Reflect[reflectInput]()
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if err := Validate(raw, map[string]any{"target": "x", "tags": []string{"a"}}); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
	if err := Validate(raw, map[string]any{"tags": []string{"a"}}); err == nil {
		t.Fatalf("expected required target to be enforced")
	}
}
