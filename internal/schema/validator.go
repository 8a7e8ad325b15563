// Package schema checks the shape of JSON envelopes received from remote
// peers before they are decoded into typed messages.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalid = errors.New("schema validation failed")

// Validator checks JSON documents against a compiled JSON Schema and reports
// which of the schema's top-level properties a document carries.
//
// Validators built with New accept objects whose top-level keys are drawn
// from a known set. Unknown keys are tolerated as long as at least one known
// key is present, so additive protocol changes do not break decoding.
type Validator struct {
	name     string
	known    []string
	required map[string][]string
	doc      any

	once  sync.Once
	sch   *jsonschema.Schema
	props map[string]struct{}
	err   error
}

func New(known ...string) *Validator {
	v := &Validator{name: "envelope", required: make(map[string][]string)}
	for _, k := range known {
		v.addKnown(k)
	}
	return v
}

// Require marks fields that must be present and non-null inside the object
// stored under key whenever key itself is present. Call it before the first
// Validate.
func (v *Validator) Require(key string, fields ...string) *Validator {
	v.addKnown(key)
	v.required[key] = append(v.required[key], fields...)
	return v
}

func (v *Validator) addKnown(k string) {
	for _, have := range v.known {
		if have == k {
			return
		}
	}
	v.known = append(v.known, k)
}

// Compile builds a validator from a JSON Schema document. The recognised
// keys reported by Validate are the document's top-level properties.
func Compile(name, doc string) (*Validator, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	v := &Validator{name: name, doc: parsed}
	v.once.Do(v.compile)
	if v.err != nil {
		return nil, v.err
	}
	return v, nil
}

// MustCompile is Compile for schemas declared in code.
func MustCompile(name, doc string) *Validator {
	v, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return v
}

// Document returns the JSON Schema the validator enforces.
func (v *Validator) Document() ([]byte, error) {
	doc := v.doc
	if doc == nil {
		doc = v.envelope()
	}
	return json.Marshal(doc)
}

// Validate returns the recognised top-level keys of raw, sorted.
func (v *Validator) Validate(raw []byte) ([]string, error) {
	v.once.Do(v.compile)
	if v.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, v.err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := v.sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, nil
	}
	var keys []string
	for k := range obj {
		if _, ok := v.props[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *Validator) compile() {
	doc := v.doc
	if doc == nil {
		// Round-trip through JSON so the compiler sees plain decoded values.
		b, err := json.Marshal(v.envelope())
		if err != nil {
			v.err = err
			return
		}
		if doc, err = jsonschema.UnmarshalJSON(bytes.NewReader(b)); err != nil {
			v.err = err
			return
		}
	}

	loc := v.name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		v.err = fmt.Errorf("add schema %s: %w", v.name, err)
		return
	}
	sch, err := c.Compile(loc)
	if err != nil {
		v.err = fmt.Errorf("compile schema %s: %w", v.name, err)
		return
	}
	v.sch = sch
	v.props = topLevelProperties(doc)
}

// envelope is the schema for an object carrying at least one known key,
// each known key's required fields non-null.
func (v *Validator) envelope() map[string]any {
	props := make(map[string]any, len(v.known))
	anyOf := make([]any, 0, len(v.known))
	for _, k := range v.known {
		prop := map[string]any{}
		if fields := v.required[k]; len(fields) > 0 {
			inner := make(map[string]any, len(fields))
			for _, f := range fields {
				inner[f] = map[string]any{"not": map[string]any{"type": "null"}}
			}
			prop = map[string]any{
				"type":       "object",
				"required":   fields,
				"properties": inner,
			}
		}
		props[k] = prop
		anyOf = append(anyOf, map[string]any{"required": []string{k}})
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(anyOf) > 0 {
		doc["anyOf"] = anyOf
	}
	return doc
}

func topLevelProperties(doc any) map[string]struct{} {
	out := map[string]struct{}{}
	m, ok := doc.(map[string]any)
	if !ok {
		return out
	}
	props, ok := m["properties"].(map[string]any)
	if !ok {
		return out
	}
	for k := range props {
		out[k] = struct{}{}
	}
	return out
}
