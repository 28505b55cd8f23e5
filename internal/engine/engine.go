package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"complyline/internal/domain"
	"complyline/internal/events"
	"complyline/internal/repo"
	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

// Engine is the record store. Every mutation runs in one transaction with
// the event that describes it.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Catalog Catalog
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, catalog Catalog, log zerolog.Logger) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Catalog: catalog,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

type CreateOptions struct {
	ID      string
	Type    string
	Title   string
	ActorID string
}

// CreateRecord starts a record in DRAFT on the first step of its schema.
func (e Engine) CreateRecord(ctx context.Context, opts CreateOptions) (domain.Record, error) {
	rt, err := e.Catalog.RecordType(opts.Type)
	if err != nil {
		return domain.Record{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Record{}, ErrTitleRequired
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	first := rt.Schema.First()
	now := e.now()
	rec := domain.Record{
		ID:          id,
		Type:        rt.Key,
		Title:       title,
		Status:      workflow.StatusDraft,
		CurrentStep: &first,
		StepData:    map[workflow.StepKey]workflow.StepData{},
		Version:     1,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRecordTx(ctx, tx, rec); err != nil {
		return domain.Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RecordCreated, rec.ID, "record", rec.ID, opts.ActorID, events.Payload{"type": rec.Type, "title": rec.Title}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	e.Log.Info().Str("record", rec.ID).Str("type", rec.Type).Msg("record created")
	return rec, nil
}

func (e Engine) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	return e.Repo.GetRecord(ctx, id)
}

// ListRecords validates the type filter against the catalog before querying.
func (e Engine) ListRecords(ctx context.Context, f repo.RecordFilters) ([]domain.Record, error) {
	if f.Type != "" {
		if _, err := e.Catalog.RecordType(f.Type); err != nil {
			return nil, err
		}
	}
	if f.Status != "" {
		st, err := workflow.ParseStatus(f.Status)
		if err != nil {
			return nil, err
		}
		f.Status = string(st)
	}
	return e.Repo.ListRecords(ctx, f)
}

// EvaluateRecord loads id and evaluates it, optionally with a draft for step.
func (e Engine) EvaluateRecord(ctx context.Context, id string, step workflow.StepKey, draft workflow.StepData) (domain.Record, Evaluation, error) {
	rec, err := e.Repo.GetRecord(ctx, id)
	if err != nil {
		return rec, Evaluation{}, err
	}
	rt, err := e.Catalog.RecordType(rec.Type)
	if err != nil {
		return rec, Evaluation{}, err
	}
	if draft != nil {
		draft = workflow.Normalize(draft)
	}
	ev, err := Evaluate(rt, rec, step, draft)
	return rec, ev, err
}

// mutate loads id inside a transaction and hands it to fn. The record fn
// leaves behind is written back guarded by the version it was read at.
func (e Engine) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error) (domain.Record, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetRecordTx(ctx, tx, id)
	if err != nil {
		return domain.Record{}, err
	}
	rt, err := e.Catalog.RecordType(rec.Type)
	if err != nil {
		return domain.Record{}, err
	}
	read := rec.Version
	if err := fn(tx, rt, &rec); err != nil {
		return domain.Record{}, err
	}
	rec.UpdatedAt = e.now()
	if rec.Version, err = e.Repo.UpdateRecordTx(ctx, tx, rec, read); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

type SaveStepOptions struct {
	ID   string
	Step workflow.StepKey
	Data workflow.StepData
	// ExpectedVersion guards against concurrent edits when non-zero.
	ExpectedVersion int
	ActorID         string
}

// SaveStep persists one step's data. Missing required fields do not block
// the save; they surface in the evaluation.
func (e Engine) SaveStep(ctx context.Context, opts SaveStepOptions) (domain.Record, error) {
	var missing []string
	rec, err := e.mutate(ctx, opts.ID, func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error {
		if !rec.Status.Editable() {
			return ErrRecordLocked
		}
		def, ok := rt.Schema.Step(opts.Step)
		if !ok {
			return workflow.InvalidStepError{Key: opts.Step}
		}
		if opts.ExpectedVersion != 0 && opts.ExpectedVersion != rec.Version {
			return repo.ErrStaleWrite
		}
		cm := workflow.BuildCompletionMap(rt.Schema, rec.StepData, "", nil)
		if !workflow.IsUnlocked(rt.Schema, opts.Step, cm, false) {
			return StepLockedError{Step: opts.Step, Blocking: workflow.BlockingSteps(rt.Schema, opts.Step, cm)}
		}
		data := workflow.Normalize(opts.Data)
		if err := e.Repo.UpsertStepDataTx(ctx, tx, rec.ID, opts.Step, data, opts.ActorID, e.now()); err != nil {
			return fmt.Errorf("save step %s: %w", opts.Step, err)
		}
		rec.StepData[opts.Step] = data
		step := opts.Step
		rec.CurrentStep = &step
		if rec.Status == workflow.StatusDraft {
			rec.Status = workflow.StatusInProgress
		}
		missing = workflow.ValidateStep(def, data).Missing
		return e.Events.Append(ctx, tx, events.StepSaved, rec.ID, "step", string(opts.Step), opts.ActorID, events.Payload{"missing": missing, "status": rec.Status})
	})
	if err != nil {
		return rec, err
	}
	e.Log.Info().Str("record", rec.ID).Str("step", string(opts.Step)).Int("version", rec.Version).Strs("missing", missing).Msg("step saved")
	return rec, nil
}

// Submit moves a record to SUBMITTED when the lifecycle allows it and the
// gate passes on persisted data.
func (e Engine) Submit(ctx context.Context, id, actorID string) (domain.Record, error) {
	rec, err := e.mutate(ctx, id, func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error {
		if err := rt.Lifecycle.CheckTransition(rec.Status, workflow.StatusSubmitted); err != nil {
			return err
		}
		cm := workflow.BuildCompletionMap(rt.Schema, rec.StepData, "", nil)
		if gate := workflow.CanSubmit(rt.Schema, cm); !gate.OK {
			e.Log.Warn().Str("record", rec.ID).Interface("missing_steps", gate.MissingSteps).Msg("submission blocked")
			return gate.Err()
		}
		now := e.now()
		rec.Status = workflow.StatusSubmitted
		rec.SubmittedAt = &now
		return e.Events.Append(ctx, tx, events.RecordSubmitted, rec.ID, "record", rec.ID, actorID, nil)
	})
	if err != nil {
		return rec, err
	}
	e.Log.Info().Str("record", rec.ID).Str("status", string(rec.Status)).Msg("record submitted")
	return rec, nil
}

func (e Engine) Approve(ctx context.Context, id, actorID string) (domain.Record, error) {
	return e.decide(ctx, id, actorID, workflow.StatusApproved, "")
}

// Reject requires a non-blank reason.
func (e Engine) Reject(ctx context.Context, id, actorID, reason string) (domain.Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Record{}, ErrReasonRequired
	}
	return e.decide(ctx, id, actorID, workflow.StatusRejected, reason)
}

func (e Engine) decide(ctx context.Context, id, actorID string, to workflow.Status, reason string) (domain.Record, error) {
	evtType := events.RecordApproved
	if to == workflow.StatusRejected {
		evtType = events.RecordRejected
	}
	rec, err := e.mutate(ctx, id, func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error {
		if err := rt.Lifecycle.CheckTransition(rec.Status, to); err != nil {
			return err
		}
		now := e.now()
		rec.Status = to
		rec.DecidedAt = &now
		rec.RejectionReason = reason
		payload := events.Payload{}
		if reason != "" {
			payload["reason"] = reason
		}
		return e.Events.Append(ctx, tx, evtType, rec.ID, "record", rec.ID, actorID, payload)
	})
	if err != nil {
		return rec, err
	}
	e.Log.Info().Str("record", rec.ID).Str("status", string(rec.Status)).Str("actor", actorID).Msg("record decided")
	return rec, nil
}

// Reopen returns a rejected record to DRAFT for rework. Step data is kept.
func (e Engine) Reopen(ctx context.Context, id, actorID string) (domain.Record, error) {
	rec, err := e.mutate(ctx, id, func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error {
		if err := rt.Lifecycle.CheckTransition(rec.Status, workflow.StatusDraft); err != nil {
			return err
		}
		payload := events.Payload{"previous_reason": rec.RejectionReason}
		rec.Status = workflow.StatusDraft
		rec.RejectionReason = ""
		rec.SubmittedAt = nil
		rec.DecidedAt = nil
		return e.Events.Append(ctx, tx, events.RecordReopened, rec.ID, "record", rec.ID, actorID, payload)
	})
	if err != nil {
		return rec, err
	}
	e.Log.Info().Str("record", rec.ID).Msg("record reopened")
	return rec, nil
}

type AnswerOptions struct {
	ID           string
	QuestionID   string
	Status       scoring.AnswerStatus
	ResponseText string
	ActorID      string
}

// AnswerQuestion records one checklist answer and returns the updated
// assessment. The checklist step must be unlocked.
func (e Engine) AnswerQuestion(ctx context.Context, opts AnswerOptions) (scoring.Assessment, error) {
	st, err := scoring.ParseAnswerStatus(string(opts.Status))
	if err != nil {
		return scoring.Assessment{}, err
	}
	_, err = e.mutate(ctx, opts.ID, func(tx *sql.Tx, rt workflow.RecordType, rec *domain.Record) error {
		binding, ok := e.Catalog.Checklist(rt.Key)
		if !ok {
			return ErrNoChecklist
		}
		if !binding.Checklist.Has(opts.QuestionID) {
			return fmt.Errorf("%w: %s", ErrUnknownQuestion, opts.QuestionID)
		}
		if !rec.Status.Editable() {
			return ErrRecordLocked
		}
		cm := workflow.BuildCompletionMap(rt.Schema, rec.StepData, "", nil)
		if !workflow.IsUnlocked(rt.Schema, binding.Step, cm, false) {
			return StepLockedError{Step: binding.Step, Blocking: workflow.BlockingSteps(rt.Schema, binding.Step, cm)}
		}
		answer := scoring.ChecklistAnswer{QuestionID: opts.QuestionID, Status: st, ResponseText: strings.TrimSpace(opts.ResponseText)}
		if err := e.Repo.UpsertAnswerTx(ctx, tx, rec.ID, answer, opts.ActorID, e.now()); err != nil {
			return fmt.Errorf("save answer %s: %w", opts.QuestionID, err)
		}
		if rec.Status == workflow.StatusDraft {
			rec.Status = workflow.StatusInProgress
		}
		return e.Events.Append(ctx, tx, events.AnswerRecorded, rec.ID, "question", opts.QuestionID, opts.ActorID, events.Payload{"status": st})
	})
	if err != nil {
		return scoring.Assessment{}, err
	}
	return e.Assessment(ctx, opts.ID)
}

// Assessment scores the stored answers of a checklist-bearing record.
func (e Engine) Assessment(ctx context.Context, id string) (scoring.Assessment, error) {
	rec, err := e.Repo.GetRecord(ctx, id)
	if err != nil {
		return scoring.Assessment{}, err
	}
	binding, ok := e.Catalog.Checklist(rec.Type)
	if !ok {
		return scoring.Assessment{}, ErrNoChecklist
	}
	answers, err := e.Repo.ListAnswers(ctx, id)
	if err != nil {
		return scoring.Assessment{}, err
	}
	return binding.Checklist.Assess(answers), nil
}

// History returns the newest events first.
func (e Engine) History(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// StatusCounts counts records by status for one type, or all when empty.
func (e Engine) StatusCounts(ctx context.Context, recordType string) (map[string]int, error) {
	return e.Repo.CountRecordsByStatus(ctx, recordType)
}
