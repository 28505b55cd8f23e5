package engine

import (
	"context"

	"complyline/internal/domain"
	"complyline/internal/workflow"
)

// Store is the record store a Wizard drives. Every call returns the
// record as persisted, which callers must prefer over local state.
type Store interface {
	Get(ctx context.Context, id string) (domain.Record, error)
	SaveStep(ctx context.Context, id string, step workflow.StepKey, data workflow.StepData, expectedVersion int) (domain.Record, error)
	Submit(ctx context.Context, id string) (domain.Record, error)
	Approve(ctx context.Context, id string) (domain.Record, error)
	Reject(ctx context.Context, id, reason string) (domain.Record, error)
}

type actorStore struct {
	e       Engine
	actorID string
}

// StoreFor binds the engine to one actor.
func (e Engine) StoreFor(actorID string) Store {
	return actorStore{e: e, actorID: actorID}
}

func (s actorStore) Get(ctx context.Context, id string) (domain.Record, error) {
	return s.e.GetRecord(ctx, id)
}

func (s actorStore) SaveStep(ctx context.Context, id string, step workflow.StepKey, data workflow.StepData, expectedVersion int) (domain.Record, error) {
	return s.e.SaveStep(ctx, SaveStepOptions{ID: id, Step: step, Data: data, ExpectedVersion: expectedVersion, ActorID: s.actorID})
}

func (s actorStore) Submit(ctx context.Context, id string) (domain.Record, error) {
	return s.e.Submit(ctx, id, s.actorID)
}

func (s actorStore) Approve(ctx context.Context, id string) (domain.Record, error) {
	return s.e.Approve(ctx, id, s.actorID)
}

func (s actorStore) Reject(ctx context.Context, id, reason string) (domain.Record, error) {
	return s.e.Reject(ctx, id, s.actorID, reason)
}
