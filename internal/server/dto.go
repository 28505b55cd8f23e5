package server

import (
	"encoding/json"

	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

// Request payloads

type CreateRecordRequest struct {
	ID    *string `json:"id,omitempty"`
	Type  string  `json:"type" example:"ropa"`
	Title string  `json:"title" example:"Payroll processing"`
}

type SaveStepRequest struct {
	Data map[string]any `json:"data"`
	// ExpectedVersion rejects the save with stale_write when the record moved on.
	ExpectedVersion int `json:"expected_version,omitempty" minimum:"0"`
}

type EvaluateRequest struct {
	Step  string         `json:"step,omitempty"`
	Draft map[string]any `json:"draft,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason" example:"DPA not signed"`
}

type AnswerRequest struct {
	Status       string `json:"status" enum:"COMPLIANT,PARTIAL,NON_COMPLIANT,NA"`
	ResponseText string `json:"response_text,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type RecordResponse struct {
	ID              string                    `json:"id"`
	Type            string                    `json:"type"`
	Title           string                    `json:"title"`
	Status          string                    `json:"status" enum:"DRAFT,IN_PROGRESS,SUBMITTED,APPROVED,REJECTED"`
	CurrentStep     string                    `json:"current_step,omitempty"`
	StepData        map[string]map[string]any `json:"step_data"`
	Progress        int                       `json:"progress" minimum:"0" maximum:"100"`
	Version         int                       `json:"version"`
	RejectionReason string                    `json:"rejection_reason,omitempty"`
	CreatedBy       string                    `json:"created_by"`
	CreatedAt       string                    `json:"created_at" format:"date-time"`
	UpdatedAt       string                    `json:"updated_at" format:"date-time"`
	SubmittedAt     *string                   `json:"submitted_at,omitempty" format:"date-time"`
	DecidedAt       *string                   `json:"decided_at,omitempty" format:"date-time"`
}

type RecordDetailResponse struct {
	Record     RecordResponse    `json:"record"`
	Evaluation engine.Evaluation `json:"evaluation"`
}

type StepDefinitionResponse struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Required []string `json:"required"`
	Optional bool     `json:"optional"`
}

type ChecklistResponse struct {
	Step       string             `json:"step"`
	Questions  []scoring.Question `json:"questions"`
	MaxScore   int                `json:"max_score"`
	Thresholds scoring.Thresholds `json:"thresholds"`
}

type RecordTypeResponse struct {
	Key            string                   `json:"key"`
	Label          string                   `json:"label"`
	Steps          []StepDefinitionResponse `json:"steps"`
	ReworkOnReject bool                     `json:"rework_on_reject"`
	Checklist      *ChecklistResponse       `json:"checklist,omitempty"`
	StatusCounts   map[string]int           `json:"status_counts,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RecordID   string         `json:"record_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedRecords struct {
	Items      []RecordResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func recordResponse(r domain.Record, progress int) RecordResponse {
	steps := make(map[string]map[string]any, len(r.StepData))
	for k, v := range r.StepData {
		steps[string(k)] = map[string]any(v)
	}
	return RecordResponse{
		ID:              r.ID,
		Type:            r.Type,
		Title:           r.Title,
		Status:          string(r.Status),
		CurrentStep:     string(r.Current()),
		StepData:        steps,
		Progress:        progress,
		Version:         r.Version,
		RejectionReason: r.RejectionReason,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SubmittedAt:     r.SubmittedAt,
		DecidedAt:       r.DecidedAt,
	}
}

func recordTypeResponse(rt workflow.RecordType, binding *engine.ChecklistBinding) RecordTypeResponse {
	resp := RecordTypeResponse{
		Key:            rt.Key,
		Label:          rt.Label,
		Steps:          []StepDefinitionResponse{},
		ReworkOnReject: rt.Lifecycle.ReworkOnReject,
	}
	for _, def := range rt.Schema.Steps() {
		req := def.RequiredFields
		if req == nil {
			req = []string{}
		}
		resp.Steps = append(resp.Steps, StepDefinitionResponse{Key: string(def.Key), Label: def.Label, Required: req, Optional: def.Optional()})
	}
	if binding != nil {
		resp.Checklist = &ChecklistResponse{
			Step:       string(binding.Step),
			Questions:  binding.Checklist.Questions,
			MaxScore:   binding.Checklist.MaxScore(),
			Thresholds: binding.Checklist.Thresholds,
		}
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RecordID:   e.RecordID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
