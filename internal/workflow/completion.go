package workflow

import "math"

// CompletionMap records whether each step passes validation. It is always
// derived, never stored.
type CompletionMap map[StepKey]bool

// BuildCompletionMap validates every step of s. The step named current is
// validated against draft; all others against their persisted data (an
// absent entry validates as an empty blob). The result has one entry per
// step.
func BuildCompletionMap(s Schema, persisted map[StepKey]StepData, current StepKey, draft StepData) CompletionMap {
	cm := make(CompletionMap, s.Len())
	for _, def := range s.steps {
		data := persisted[def.Key]
		if current != "" && def.Key == current {
			data = draft
		}
		cm[def.Key] = ValidateStep(def, data).OK
	}
	return cm
}

// IsUnlocked reports whether target may be entered. Terminal records are
// fully unlocked for review. Otherwise every earlier step must be complete.
// Unknown keys are locked.
func IsUnlocked(s Schema, target StepKey, cm CompletionMap, terminal bool) bool {
	idx, ok := s.Index(target)
	if !ok {
		return false
	}
	if terminal {
		return true
	}
	for _, def := range s.steps[:idx] {
		if !cm[def.Key] {
			return false
		}
	}
	return true
}

// BlockingSteps lists the incomplete steps before target, in order.
func BlockingSteps(s Schema, target StepKey, cm CompletionMap) []StepKey {
	idx, ok := s.Index(target)
	if !ok {
		return nil
	}
	var out []StepKey
	for _, def := range s.steps[:idx] {
		if !cm[def.Key] {
			out = append(out, def.Key)
		}
	}
	return out
}

// UnlockedSteps returns every step IsUnlocked accepts, in order.
func UnlockedSteps(s Schema, cm CompletionMap, terminal bool) []StepKey {
	out := make([]StepKey, 0, s.Len())
	for _, def := range s.steps {
		if IsUnlocked(s, def.Key, cm, terminal) {
			out = append(out, def.Key)
		}
	}
	return out
}

// LeadingStreak counts complete steps from the first one, stopping at the
// first incomplete step.
func LeadingStreak(s Schema, cm CompletionMap) int {
	n := 0
	for _, def := range s.steps {
		if !cm[def.Key] {
			break
		}
		n++
	}
	return n
}

// ComputeProgress returns 100 for terminal statuses. Otherwise it returns the
// leading streak as a rounded percentage, capped at 99 so that 100 only
// ever means submitted or approved.
func ComputeProgress(s Schema, cm CompletionMap, status Status) int {
	if status.Terminal() {
		return 100
	}
	total := s.Len()
	if total == 0 {
		return 0
	}
	pct := int(math.Round(float64(LeadingStreak(s, cm)) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 99 {
		return 99
	}
	return pct
}

// SubmitGateResult is the outcome of the submission gate.
type SubmitGateResult struct {
	OK           bool      `json:"ok"`
	MissingSteps []StepKey `json:"missing_steps"`
}

// Err returns a GateError when the gate is closed.
func (r SubmitGateResult) Err() error {
	if r.OK {
		return nil
	}
	return GateError{MissingSteps: r.MissingSteps}
}

// CanSubmit lists the incomplete steps that carry required fields. Steps
// without required fields never block.
func CanSubmit(s Schema, cm CompletionMap) SubmitGateResult {
	missing := []StepKey{}
	for _, def := range s.steps {
		if def.Optional() {
			continue
		}
		if !cm[def.Key] {
			missing = append(missing, def.Key)
		}
	}
	return SubmitGateResult{OK: len(missing) == 0, MissingSteps: missing}
}
