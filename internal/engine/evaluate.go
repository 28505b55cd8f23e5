package engine

import (
	"complyline/internal/domain"
	"complyline/internal/workflow"
)

type StepState struct {
	Key      workflow.StepKey `json:"key"`
	Label    string           `json:"label"`
	Optional bool             `json:"optional"`
	Complete bool             `json:"complete"`
	Unlocked bool             `json:"unlocked"`
	Missing  []string         `json:"missing"`
}

// Evaluation is the derived view of a record. Nothing in it is stored.
type Evaluation struct {
	RecordID     string                    `json:"record_id"`
	Type         string                    `json:"type"`
	Status       workflow.Status           `json:"status"`
	CurrentStep  workflow.StepKey          `json:"current_step,omitempty"`
	Steps        []StepState               `json:"steps"`
	Completion   workflow.CompletionMap    `json:"completion"`
	Unlocked     []workflow.StepKey        `json:"unlocked"`
	Progress     int                       `json:"progress" minimum:"0" maximum:"100"`
	Terminal     bool                      `json:"terminal"`
	Gate         workflow.SubmitGateResult `json:"gate"`
	NextStatuses []workflow.Status         `json:"next_statuses"`
}

// Evaluate derives completion, unlock state, progress and the submission
// gate for rec. When current is set, draft stands in for that step's
// persisted data; a nil draft means the persisted data is used.
func Evaluate(rt workflow.RecordType, rec domain.Record, current workflow.StepKey, draft workflow.StepData) (Evaluation, error) {
	s := rt.Schema
	if current != "" {
		if err := s.CheckStep(current); err != nil {
			return Evaluation{}, err
		}
		if draft == nil {
			draft = rec.StepData[current]
		}
	}
	cm := workflow.BuildCompletionMap(s, rec.StepData, current, draft)
	terminal := rec.Status.Terminal()
	ev := Evaluation{
		RecordID:     rec.ID,
		Type:         rec.Type,
		Status:       rec.Status,
		CurrentStep:  current,
		Steps:        make([]StepState, 0, s.Len()),
		Completion:   cm,
		Unlocked:     workflow.UnlockedSteps(s, cm, terminal),
		Progress:     workflow.ComputeProgress(s, cm, rec.Status),
		Terminal:     terminal,
		Gate:         workflow.CanSubmit(s, cm),
		NextStatuses: rt.Lifecycle.Next(rec.Status),
	}
	if ev.NextStatuses == nil {
		ev.NextStatuses = []workflow.Status{}
	}
	unlocked := make(map[workflow.StepKey]bool, len(ev.Unlocked))
	for _, k := range ev.Unlocked {
		unlocked[k] = true
	}
	for _, def := range s.Steps() {
		data := rec.StepData[def.Key]
		if current != "" && def.Key == current {
			data = draft
		}
		ev.Steps = append(ev.Steps, StepState{
			Key:      def.Key,
			Label:    def.Label,
			Optional: def.Optional(),
			Complete: cm[def.Key],
			Unlocked: unlocked[def.Key],
			Missing:  workflow.ValidateStep(def, data).Missing,
		})
	}
	return ev, nil
}
