package workflow

import (
	"fmt"
	"strings"
)

// InvalidStepError is returned for a step key that is not in the schema.
// It points at a route/schema mismatch in the caller, not at user data.
type InvalidStepError struct {
	Key StepKey
}

func (e InvalidStepError) Error() string {
	return fmt.Sprintf("invalid step %q", string(e.Key))
}

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// GateError reports a submission refused by the submission gate.
type GateError struct {
	MissingSteps []StepKey
}

func (e GateError) Error() string {
	keys := make([]string, len(e.MissingSteps))
	for i, k := range e.MissingSteps {
		keys[i] = string(k)
	}
	return "submission blocked; incomplete steps: " + strings.Join(keys, ", ")
}
