package engine

import (
	"errors"
	"fmt"
	"strings"

	"complyline/internal/workflow"
)

var (
	// ErrRecordLocked is returned when step data or answers change on a
	// record that is no longer editable.
	ErrRecordLocked    = errors.New("record is locked")
	ErrSaveInFlight    = errors.New("a save is already in progress")
	ErrReasonRequired  = errors.New("a rejection reason is required")
	ErrNoChecklist     = errors.New("record type has no checklist")
	ErrUnknownQuestion = errors.New("unknown checklist question")
	ErrTitleRequired   = errors.New("title is required")
)

// StepLockedError reports a step that cannot be entered until Blocking are
// complete.
type StepLockedError struct {
	Step     workflow.StepKey
	Blocking []workflow.StepKey
}

func (e StepLockedError) Error() string {
	keys := make([]string, len(e.Blocking))
	for i, k := range e.Blocking {
		keys[i] = string(k)
	}
	return fmt.Sprintf("step %s is locked; complete %s first", e.Step, strings.Join(keys, ", "))
}
