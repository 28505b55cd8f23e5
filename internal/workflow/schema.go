// Package workflow implements the sequential step-gated workflow shared by
// every record type: step validation, completion, unlock gating, progress,
// the submission gate and the status lifecycle. Everything here is a pure
// function over its arguments.
package workflow

import (
	"fmt"
	"strings"
)

// StepKey identifies a step within one schema.
type StepKey string

// StepDefinition is one page of a record's form.
type StepDefinition struct {
	Key            StepKey  `json:"key" yaml:"key"`
	Label          string   `json:"label" yaml:"label"`
	RequiredFields []string `json:"required_fields" yaml:"required"`
}

// Optional reports whether the step has no required fields.
func (d StepDefinition) Optional() bool {
	return len(d.RequiredFields) == 0
}

// Schema is the ordered, immutable list of steps for a record type.
// Order defines the unlock chain.
type Schema struct {
	steps []StepDefinition
	index map[StepKey]int
}

// NewSchema validates and freezes a step list. Keys must be unique and
// non-empty; required field names must be non-empty and unique per step.
func NewSchema(steps []StepDefinition) (Schema, error) {
	if len(steps) == 0 {
		return Schema{}, fmt.Errorf("schema has no steps")
	}
	s := Schema{
		steps: make([]StepDefinition, 0, len(steps)),
		index: make(map[StepKey]int, len(steps)),
	}
	for i, def := range steps {
		key := StepKey(strings.TrimSpace(string(def.Key)))
		if key == "" {
			return Schema{}, fmt.Errorf("step %d has empty key", i+1)
		}
		if _, dup := s.index[key]; dup {
			return Schema{}, fmt.Errorf("duplicate step key %s", key)
		}
		seen := make(map[string]struct{}, len(def.RequiredFields))
		fields := make([]string, 0, len(def.RequiredFields))
		for _, f := range def.RequiredFields {
			f = strings.TrimSpace(f)
			if f == "" {
				return Schema{}, fmt.Errorf("step %s has empty required field name", key)
			}
			if _, dup := seen[f]; dup {
				return Schema{}, fmt.Errorf("step %s lists required field %s twice", key, f)
			}
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
		label := def.Label
		if label == "" {
			label = string(key)
		}
		s.index[key] = len(s.steps)
		s.steps = append(s.steps, StepDefinition{Key: key, Label: label, RequiredFields: fields})
	}
	return s, nil
}

// MustSchema is NewSchema for static step tables; it panics on error.
func MustSchema(steps []StepDefinition) Schema {
	s, err := NewSchema(steps)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of steps.
func (s Schema) Len() int { return len(s.steps) }

// Steps returns a copy of the step definitions in order.
func (s Schema) Steps() []StepDefinition {
	out := make([]StepDefinition, len(s.steps))
	for i, def := range s.steps {
		def.RequiredFields = append([]string(nil), def.RequiredFields...)
		out[i] = def
	}
	return out
}

// Keys returns the step keys in order.
func (s Schema) Keys() []StepKey {
	out := make([]StepKey, len(s.steps))
	for i, def := range s.steps {
		out[i] = def.Key
	}
	return out
}

// First returns the first step key.
func (s Schema) First() StepKey {
	if len(s.steps) == 0 {
		return ""
	}
	return s.steps[0].Key
}

// Index returns the zero-based position of key.
func (s Schema) Index(key StepKey) (int, bool) {
	i, ok := s.index[key]
	return i, ok
}

// Step looks up a step definition.
func (s Schema) Step(key StepKey) (StepDefinition, bool) {
	i, ok := s.index[key]
	if !ok {
		return StepDefinition{}, false
	}
	return s.steps[i], true
}

// CheckStep returns an InvalidStepError if key is not part of the schema.
func (s Schema) CheckStep(key StepKey) error {
	if _, ok := s.index[key]; !ok {
		return InvalidStepError{Key: key}
	}
	return nil
}
