package complylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Complyline HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Record represents the API record model.
type Record struct {
	ID              string                    `json:"id"`
	Type            string                    `json:"type"`
	Title           string                    `json:"title"`
	Status          string                    `json:"status"`
	CurrentStep     string                    `json:"current_step,omitempty"`
	StepData        map[string]map[string]any `json:"step_data"`
	Progress        int                       `json:"progress"`
	Version         int                       `json:"version"`
	RejectionReason string                    `json:"rejection_reason,omitempty"`
	CreatedBy       string                    `json:"created_by"`
	CreatedAt       string                    `json:"created_at"`
	UpdatedAt       string                    `json:"updated_at"`
	SubmittedAt     *string                   `json:"submitted_at,omitempty"`
	DecidedAt       *string                   `json:"decided_at,omitempty"`
}

type StepState struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Optional bool     `json:"optional"`
	Complete bool     `json:"complete"`
	Unlocked bool     `json:"unlocked"`
	Missing  []string `json:"missing"`
}

// Evaluation is the derived step state of a record.
type Evaluation struct {
	RecordID    string          `json:"record_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	CurrentStep string          `json:"current_step,omitempty"`
	Steps       []StepState     `json:"steps"`
	Completion  map[string]bool `json:"completion"`
	Unlocked    []string        `json:"unlocked"`
	Progress    int             `json:"progress"`
	Terminal    bool            `json:"terminal"`
	Gate        struct {
		OK           bool     `json:"ok"`
		MissingSteps []string `json:"missing_steps"`
	} `json:"gate"`
	NextStatuses []string `json:"next_statuses"`
}

// RecordDetail is returned by every record mutation.
type RecordDetail struct {
	Record     Record     `json:"record"`
	Evaluation Evaluation `json:"evaluation"`
}

type RecordType struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Steps []struct {
		Key      string   `json:"key"`
		Label    string   `json:"label"`
		Required []string `json:"required"`
		Optional bool     `json:"optional"`
	} `json:"steps"`
	ReworkOnReject bool           `json:"rework_on_reject"`
	StatusCounts   map[string]int `json:"status_counts,omitempty"`
}

type Answer struct {
	QuestionID   string `json:"question_id"`
	Status       string `json:"status"`
	ResponseText string `json:"response_text,omitempty"`
}

// Assessment is the scored vendor checklist.
type Assessment struct {
	Answers    []Answer `json:"answers"`
	Answered   int      `json:"answered"`
	Questions  int      `json:"questions"`
	Score      int      `json:"score"`
	MaxScore   int      `json:"max_score"`
	Risk       string   `json:"risk"`
	Thresholds struct {
		HighMax   int `json:"high_max"`
		MediumMax int `json:"medium_max"`
	} `json:"thresholds"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RecordID   string         `json:"record_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of err, or "" when err is not an
// APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// PaginatedRecords wraps list responses with cursors.
type PaginatedRecords struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filters ListRecords.
type ListOptions struct {
	Type   string
	Status string
	Limit  int
	Cursor string
}

// DevLogin mints a token when the server runs with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "roles": roles}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// RecordTypes lists the configured record types.
func (c *Client) RecordTypes(ctx context.Context) ([]RecordType, error) {
	var resp []RecordType
	err := c.do(ctx, http.MethodGet, "record-types", nil, &resp)
	return resp, err
}

// CreateRecord creates a record in DRAFT.
func (c *Client) CreateRecord(ctx context.Context, recordType, title string) (RecordDetail, error) {
	body := map[string]any{
		"type":  recordType,
		"title": title,
	}
	var resp RecordDetail
	err := c.do(ctx, http.MethodPost, "records", body, &resp)
	return resp, err
}

// GetRecord fetches a record and its evaluation.
func (c *Client) GetRecord(ctx context.Context, id string) (RecordDetail, error) {
	var resp RecordDetail
	err := c.do(ctx, http.MethodGet, c.recordPath(id, ""), nil, &resp)
	return resp, err
}

// ListRecords returns one page of records, newest first.
func (c *Client) ListRecords(ctx context.Context, opts ListOptions) (PaginatedRecords, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "records"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRecords
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SaveStep saves one step. A non-zero expectedVersion fails with
// stale_write when the record has moved on.
func (c *Client) SaveStep(ctx context.Context, id, step string, data map[string]any, expectedVersion int) (RecordDetail, error) {
	body := map[string]any{"data": data}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp RecordDetail
	err := c.do(ctx, http.MethodPut, c.recordPath(id, "steps/"+url.PathEscape(step)), body, &resp)
	return resp, err
}

// Evaluate evaluates a record with unsaved data for step. Nothing is stored.
func (c *Client) Evaluate(ctx context.Context, id, step string, draft map[string]any) (Evaluation, error) {
	body := map[string]any{}
	if step != "" {
		body["step"] = step
		body["draft"] = draft
	}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.recordPath(id, "evaluate"), body, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, id string) (RecordDetail, error) {
	return c.transition(ctx, id, "submit", nil)
}

func (c *Client) Approve(ctx context.Context, id string) (RecordDetail, error) {
	return c.transition(ctx, id, "approve", nil)
}

func (c *Client) Reject(ctx context.Context, id, reason string) (RecordDetail, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) Reopen(ctx context.Context, id string) (RecordDetail, error) {
	return c.transition(ctx, id, "reopen", nil)
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (RecordDetail, error) {
	var resp RecordDetail
	err := c.do(ctx, http.MethodPost, c.recordPath(id, action), body, &resp)
	return resp, err
}

// Answer records a checklist answer and returns the updated assessment.
func (c *Client) Answer(ctx context.Context, id, questionID, status, responseText string) (Assessment, error) {
	body := map[string]any{"status": status}
	if responseText != "" {
		body["response_text"] = responseText
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPut, c.recordPath(id, "checklist/"+url.PathEscape(questionID)), body, &resp)
	return resp, err
}

func (c *Client) Assessment(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, c.recordPath(id, "assessment"), nil, &resp)
	return resp, err
}

// Events returns a page of a record's events, newest first.
func (c *Client) Events(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.recordPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) recordPath(id, sub string) string {
	p := "records/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
