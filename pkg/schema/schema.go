// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema compiles, validates and generates the JSON object schemas
// that describe skill inputs and outputs.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
)

// ErrEmpty is returned when a schema document is missing.
var ErrEmpty = errors.New("schema is empty")

// Validator checks JSON objects against a compiled schema.
type Validator struct {
	raw      json.RawMessage
	resolved *jsonschema.Resolved
}

// compiled schemas are immutable, so they are shared across cards and calls.
var compiled sync.Map

// Compile parses raw into a validator. The document must be a structurally
// valid JSON schema whose top-level type is "object".
func Compile(raw json.RawMessage) (*Validator, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmpty
	}
	key := string(trimmed)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*Validator), nil
	}

	var doc jsonschema.Schema
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}
	if !isObjectSchema(&doc) {
		return nil, errors.New(`schema type must be "object"`)
	}
	resolved, err := doc.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("unresolvable schema: %w", err)
	}

	validator := &Validator{raw: append(json.RawMessage(nil), trimmed...), resolved: resolved}
	actual, _ := compiled.LoadOrStore(key, validator)
	return actual.(*Validator), nil
}

// MustCompile is like Compile but panics on error. Intended for package-level schemas.
func MustCompile(raw json.RawMessage) *Validator {
	v, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Raw returns the schema document.
func (v *Validator) Raw() json.RawMessage {
	return append(json.RawMessage(nil), v.raw...)
}

// Validate checks instance against the schema. A nil instance is treated as
// an empty object. Values are normalized through JSON so Go-typed maps
// validate exactly like decoded payloads; nothing is coerced.
func (v *Validator) Validate(instance map[string]any) error {
	if v == nil || v.resolved == nil {
		return errors.New("schema validator is not initialized")
	}
	normalized, err := normalize(instance)
	if err != nil {
		return err
	}
	return v.resolved.Validate(normalized)
}

// Validate compiles raw and validates instance in one step.
func Validate(raw json.RawMessage, instance map[string]any) error {
	v, err := Compile(raw)
	if err != nil {
		return err
	}
	return v.Validate(instance)
}

func normalize(instance map[string]any) (any, error) {
	if instance == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("instance is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isObjectSchema(s *jsonschema.Schema) bool {
	if s.Type == "object" {
		return true
	}
	return len(s.Types) == 1 && s.Types[0] == "object"
}

// Reflect derives an object schema from a Go struct type using its json and
// jsonschema struct tags.
//
//	type Input struct {
//	    Target string `json:"target" jsonschema:"required,description=Path to check"`
//	}
func Reflect[T any]() (json.RawMessage, error) {
	reflector := &invopop.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		Anonymous:                  true,
	}
	doc := reflector.Reflect(new(T))
	doc.Version = ""
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	if _, err := Compile(data); err != nil {
		return nil, err
	}
	return data, nil
}

// MustReflect is like Reflect but panics on error.
func MustReflect[T any]() json.RawMessage {
	data, err := Reflect[T]()
	if err != nil {
		panic(err)
	}
	return data
}
