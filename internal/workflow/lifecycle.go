package workflow

import (
	"fmt"
	"strings"
)

// Status is a record's lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusDraft, StatusInProgress, StatusSubmitted, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Terminal reports whether the record is locked for review.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusApproved
}

// Editable reports whether step data may still change.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusInProgress
}

// Lifecycle holds the per-record-type transition rules.
type Lifecycle struct {
	// ReworkOnReject allows REJECTED -> DRAFT and resubmitting from DRAFT.
	ReworkOnReject bool `json:"rework_on_reject" yaml:"rework_on_reject"`
}

// CheckTransition returns a TransitionError unless from -> to is allowed.
// It never changes anything.
func (l Lifecycle) CheckTransition(from, to Status) error {
	switch from {
	case StatusDraft:
		// A reopened record keeps its step data and may go straight back
		// to review.
		if to == StatusInProgress || (to == StatusSubmitted && l.ReworkOnReject) {
			return nil
		}
	case StatusInProgress:
		if to == StatusSubmitted {
			return nil
		}
	case StatusSubmitted:
		if to == StatusApproved || to == StatusRejected {
			return nil
		}
	case StatusRejected:
		if to == StatusDraft && l.ReworkOnReject {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// Next lists the statuses reachable from from in one transition.
func (l Lifecycle) Next(from Status) []Status {
	var out []Status
	for _, to := range []Status{StatusDraft, StatusInProgress, StatusSubmitted, StatusApproved, StatusRejected} {
		if l.CheckTransition(from, to) == nil {
			out = append(out, to)
		}
	}
	return out
}
