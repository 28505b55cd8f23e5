package workflow

import (
	"fmt"
	"strings"
)

// StepData is the field-value blob saved for one step.
type StepData map[string]any

// ValidationResult is the outcome of validating one step.
type ValidationResult struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing"`
}

// ValidateStep checks that every required field of def has a non-blank value
// in data. Missing keeps the order of def.RequiredFields. Only presence is
// checked, never shape.
func ValidateStep(def StepDefinition, data StepData) ValidationResult {
	missing := []string{}
	for _, field := range def.RequiredFields {
		if !filled(data[field]) {
			missing = append(missing, field)
		}
	}
	return ValidationResult{OK: len(missing) == 0, Missing: missing}
}

// ValidateStep validates data against the step named key.
func (s Schema) ValidateStep(key StepKey, data StepData) (ValidationResult, error) {
	def, ok := s.Step(key)
	if !ok {
		return ValidationResult{}, InvalidStepError{Key: key}
	}
	return ValidateStep(def, data), nil
}

func filled(v any) bool {
	return FieldString(v) != ""
}

// FieldString renders a scalar field value as a trimmed string; nil is "".
func FieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case *string:
		if val == nil {
			return ""
		}
		return strings.TrimSpace(*val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// Normalize returns a copy of data with trimmed keys and trimmed string
// values. Blank keys are dropped.
func Normalize(data StepData) StepData {
	out := make(StepData, len(data))
	for k, v := range data {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		out[k] = v
	}
	return out
}
