package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"complyline/internal/domain"
	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleWrite = errors.New("record was modified concurrently")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id,type,title,status,current_step,version,rejection_reason,created_by,created_at,updated_at,submitted_at,decided_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var status string
	var current, reason, submitted, decided sql.NullString
	err := row.Scan(&rec.ID, &rec.Type, &rec.Title, &status, &current, &rec.Version, &reason, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &submitted, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = workflow.Status(status)
	if current.Valid {
		k := workflow.StepKey(current.String)
		rec.CurrentStep = &k
	}
	rec.RejectionReason = reason.String
	if submitted.Valid {
		rec.SubmittedAt = &submitted.String
	}
	if decided.Valid {
		rec.DecidedAt = &decided.String
	}
	return rec, nil
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Type, rec.Title, string(rec.Status), stepPtr(rec.CurrentStep), rec.Version, nullable(rec.RejectionReason),
		rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, nullableStringPtr(rec.SubmittedAt), nullableStringPtr(rec.DecidedAt))
	return err
}

// GetRecord loads a record together with its persisted step data.
func (r Repo) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	return getRecord(ctx, r.DB, id)
}

func (r Repo) GetRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.Record, error) {
	return getRecord(ctx, tx, id)
}

func getRecord(ctx context.Context, q querier, id string) (domain.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
	if err != nil {
		return rec, err
	}
	rec.StepData, err = loadSteps(ctx, q, id)
	return rec, err
}

func loadSteps(ctx context.Context, q querier, recordID string) (map[workflow.StepKey]workflow.StepData, error) {
	rows, err := q.QueryContext(ctx, `SELECT step_key,data_json FROM record_steps WHERE record_id=?`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[workflow.StepKey]workflow.StepData{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		data := workflow.StepData{}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("decode step %s of %s: %w", key, recordID, err)
		}
		res[workflow.StepKey(key)] = data
	}
	return res, rows.Err()
}

type RecordFilters struct {
	Type            string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRecords returns records newest first, paged by (created_at, id).
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.Record, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + recordColumns + ` FROM records ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Step data is loaded after the cursor is drained; the pool holds one connection.
	for i := range res {
		if res[i].StepData, err = loadSteps(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateRecordTx writes the mutable record columns when the stored version
// equals expectedVersion, and returns the bumped version.
func (r Repo) UpdateRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record, expectedVersion int) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE records SET status=?,current_step=?,rejection_reason=?,updated_at=?,submitted_at=?,decided_at=?,version=version+1 WHERE id=? AND version=?`,
		string(rec.Status), stepPtr(rec.CurrentStep), nullable(rec.RejectionReason), rec.UpdatedAt,
		nullableStringPtr(rec.SubmittedAt), nullableStringPtr(rec.DecidedAt), rec.ID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id=?`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ErrStaleWrite
	}
	return expectedVersion + 1, nil
}

func (r Repo) UpsertStepDataTx(ctx context.Context, tx *sql.Tx, recordID string, step workflow.StepKey, data workflow.StepData, actorID, ts string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode step %s: %w", step, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO record_steps(record_id,step_key,data_json,updated_by,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(record_id,step_key) DO UPDATE SET data_json=excluded.data_json, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		recordID, string(step), string(raw), actorID, ts)
	return err
}

func (r Repo) UpsertAnswerTx(ctx context.Context, tx *sql.Tx, recordID string, a scoring.ChecklistAnswer, actorID, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_answers(record_id,question_id,status,response_text,answered_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(record_id,question_id) DO UPDATE SET status=excluded.status, response_text=excluded.response_text, answered_by=excluded.answered_by, updated_at=excluded.updated_at`,
		recordID, a.QuestionID, string(a.Status), a.ResponseText, actorID, ts)
	return err
}

func (r Repo) ListAnswers(ctx context.Context, recordID string) ([]scoring.ChecklistAnswer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT question_id,status,response_text FROM checklist_answers WHERE record_id=? ORDER BY question_id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []scoring.ChecklistAnswer
	for rows.Next() {
		var a scoring.ChecklistAnswer
		var status string
		if err := rows.Scan(&a.QuestionID, &status, &a.ResponseText); err != nil {
			return nil, err
		}
		a.Status = scoring.AnswerStatus(status)
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountRecordsByStatus counts records of one type, or all types when
// recordType is empty.
func (r Repo) CountRecordsByStatus(ctx context.Context, recordType string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM records`
	var args []any
	if recordType != "" {
		query += ` WHERE type=?`
		args = append(args, recordType)
	}
	rows, err := r.DB.QueryContext(ctx, query+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

type EventFilters struct {
	RecordID string
	Type     string
	Limit    int
	// Cursor returns events with ids strictly below it.
	Cursor int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RecordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,record_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var recordID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &recordID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.RecordID = recordID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stepPtr(v *workflow.StepKey) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
