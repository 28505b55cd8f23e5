package domain

import "complyline/internal/workflow"

// Record is one workflow instance: a RoPA activity, a vendor assessment or
// a training approval.
type Record struct {
	ID              string                                 `json:"id"`
	Type            string                                 `json:"type"`
	Title           string                                 `json:"title"`
	Status          workflow.Status                        `json:"status"`
	CurrentStep     *workflow.StepKey                      `json:"current_step,omitempty"`
	StepData        map[workflow.StepKey]workflow.StepData `json:"step_data"`
	Version         int                                    `json:"version"`
	RejectionReason string                                 `json:"rejection_reason,omitempty"`
	CreatedBy       string                                 `json:"created_by"`
	CreatedAt       string                                 `json:"created_at" format:"date-time"`
	UpdatedAt       string                                 `json:"updated_at" format:"date-time"`
	SubmittedAt     *string                                `json:"submitted_at,omitempty" format:"date-time"`
	DecidedAt       *string                                `json:"decided_at,omitempty" format:"date-time"`
}

// Current returns the current step key or "".
func (r Record) Current() workflow.StepKey {
	if r.CurrentStep == nil {
		return ""
	}
	return *r.CurrentStep
}

// Data returns the persisted blob for step; never nil.
func (r Record) Data(step workflow.StepKey) workflow.StepData {
	out := workflow.StepData{}
	for k, v := range r.StepData[step] {
		out[k] = v
	}
	return out
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RecordID   string `json:"record_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
