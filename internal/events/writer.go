package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the record store.
const (
	RecordCreated   = "record.created"
	StepSaved       = "record.step_saved"
	RecordSubmitted = "record.submitted"
	RecordApproved  = "record.approved"
	RecordRejected  = "record.rejected"
	RecordReopened  = "record.reopened"
	AnswerRecorded  = "checklist.answered"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one event inside tx so it commits with the mutation it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, recordID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,record_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(recordID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
