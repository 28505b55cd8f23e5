package engine

import (
	"context"
	"errors"
	"sync"

	"complyline/internal/domain"
	"complyline/internal/repo"
	"complyline/internal/workflow"
)

// Wizard is an editing session over one record. It holds the draft for the
// open step and re-derives everything else from the store's responses.
// A Wizard is safe for concurrent use.
type Wizard struct {
	mu     sync.Mutex
	store  Store
	rt     workflow.RecordType
	rec    domain.Record
	step   workflow.StepKey
	draft  workflow.StepData
	saving bool
	edits  int
}

// NewWizard loads id and opens its current step, or the first step when the
// record has none.
func NewWizard(ctx context.Context, store Store, catalog Catalog, id string) (*Wizard, error) {
	rec, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rt, err := catalog.RecordType(rec.Type)
	if err != nil {
		return nil, err
	}
	step := rec.Current()
	if _, ok := rt.Schema.Index(step); !ok {
		step = rt.Schema.First()
	}
	return &Wizard{store: store, rt: rt, rec: rec, step: step, draft: rec.Data(step)}, nil
}

// Open switches the session to step, discarding unsaved edits of the
// previous step. Locked and unknown steps are refused. Unlock is decided on
// persisted data only, so a step reachable only through the unsaved draft
// stays locked and the draft is kept.
func (w *Wizard) Open(step workflow.StepKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saving {
		return ErrSaveInFlight
	}
	if err := w.rt.Schema.CheckStep(step); err != nil {
		return err
	}
	cm := workflow.BuildCompletionMap(w.rt.Schema, w.rec.StepData, "", nil)
	if !workflow.IsUnlocked(w.rt.Schema, step, cm, w.rec.Status.Terminal()) {
		return StepLockedError{Step: step, Blocking: workflow.BlockingSteps(w.rt.Schema, step, cm)}
	}
	w.step = step
	w.draft = w.rec.Data(step)
	w.edits = 0
	return nil
}

func (w *Wizard) Set(field string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.draft[field] = value
	w.edits++
}

func (w *Wizard) Step() workflow.StepKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

func (w *Wizard) Draft() workflow.StepData {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(workflow.StepData, len(w.draft))
	for k, v := range w.draft {
		out[k] = v
	}
	return out
}

func (w *Wizard) Record() domain.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec
}

// Evaluate reflects the unsaved draft for the open step.
func (w *Wizard) Evaluate() Evaluation {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev, _ := Evaluate(w.rt, w.rec, w.step, w.draft)
	return ev
}

// Save persists the draft. A failed save keeps the draft; a stale write
// also refreshes the record so the next attempt runs against current state.
func (w *Wizard) Save(ctx context.Context) (domain.Record, error) {
	w.mu.Lock()
	if w.saving {
		w.mu.Unlock()
		return domain.Record{}, ErrSaveInFlight
	}
	w.saving = true
	id, step, version, edits := w.rec.ID, w.step, w.rec.Version, w.edits
	data := make(workflow.StepData, len(w.draft))
	for k, v := range w.draft {
		data[k] = v
	}
	w.mu.Unlock()

	rec, err := w.store.SaveStep(ctx, id, step, data, version)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.saving = false
	if err != nil {
		if errors.Is(err, repo.ErrStaleWrite) {
			if fresh, gerr := w.store.Get(ctx, id); gerr == nil {
				w.rec = fresh
			}
		}
		return domain.Record{}, err
	}
	w.rec = rec
	if w.edits == edits {
		w.draft = rec.Data(step)
		w.edits = 0
	}
	return rec, nil
}

// Submit checks the gate against the session view, then asks the store,
// which checks again against persisted data.
func (w *Wizard) Submit(ctx context.Context) (domain.Record, error) {
	w.mu.Lock()
	if w.saving {
		w.mu.Unlock()
		return domain.Record{}, ErrSaveInFlight
	}
	if err := w.rt.Lifecycle.CheckTransition(w.rec.Status, workflow.StatusSubmitted); err != nil {
		w.mu.Unlock()
		return domain.Record{}, err
	}
	cm := workflow.BuildCompletionMap(w.rt.Schema, w.rec.StepData, w.step, w.draft)
	gate := workflow.CanSubmit(w.rt.Schema, cm)
	id := w.rec.ID
	w.mu.Unlock()
	if !gate.OK {
		return domain.Record{}, gate.Err()
	}

	rec, err := w.store.Submit(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	w.mu.Lock()
	w.rec = rec
	w.mu.Unlock()
	return rec, nil
}
