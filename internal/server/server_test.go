package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	catalog, err := engine.NewCatalog(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	handler, err := New(Config{
		Engine:        engine.New(conn, catalog, zerolog.Nop()),
		BasePath:      cfg.Server.BasePath,
		ApproverRoles: cfg.Auth.ApproverRoles,
		Logger:        zerolog.Nop(),
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := signToken(testSecret, actor, roles, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, body []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, res.StatusCode, string(body))
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, string(body))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(body))
	}
	return env
}

func createRecord(t *testing.T, srv *testServer, typ string) RecordDetailResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/records", map[string]any{"type": typ, "title": "Test " + typ}, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create %s: %d %s", typ, res.StatusCode, string(data))
	}
	var out RecordDetailResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return out
}

func recordType(t *testing.T, srv *testServer, typ string) RecordTypeResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/record-types/"+typ, nil, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record type %s: %d %s", typ, res.StatusCode, string(data))
	}
	var rt RecordTypeResponse
	if err := json.Unmarshal(data, &rt); err != nil {
		t.Fatalf("decode record type: %v", err)
	}
	return rt
}

func fill(step StepDefinitionResponse) map[string]any {
	data := map[string]any{}
	for _, f := range step.Required {
		data[f] = "filled " + f
	}
	return data
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records", nil, nil)
	expectError(t, res, body, http.StatusUnauthorized, "unauthorized")
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, body, http.StatusUnauthorized, "invalid_credentials")
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("/v0/records/{id}/evaluate")) {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const n = 8
	docs := make(chan []byte, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			docs <- b
		}()
	}
	var first []byte
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("fetch openapi: %v", err)
		case b := <-docs:
			if first == nil {
				first = b
			} else if !bytes.Equal(first, b) {
				t.Fatalf("concurrent fetches returned different documents")
			}
		}
	}
	if !bytes.Contains(first, []byte("bearerAuth")) {
		t.Fatalf("openapi document missing security schemes")
	}
}

func TestRopaLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	rt := recordType(t, srv, "ropa")
	if len(rt.Steps) != 12 {
		t.Fatalf("ropa steps = %d", len(rt.Steps))
	}
	created := createRecord(t, srv, "ropa")
	id := created.Record.ID
	if created.Record.Status != "DRAFT" || created.Evaluation.Progress != 0 {
		t.Fatalf("new record: %+v", created.Record)
	}

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+rt.Steps[2].Key, map[string]any{"data": fill(rt.Steps[2])}, asActor("author"))
	env := expectError(t, res, body, http.StatusConflict, "step_locked")
	if blocking, _ := env.Error.Details["blocking_steps"].([]any); len(blocking) != 2 {
		t.Fatalf("blocking steps = %v", env.Error.Details)
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/nope", map[string]any{"data": map[string]any{}}, asActor("author"))
	expectError(t, res, body, http.StatusBadRequest, "invalid_step")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/submit", nil, asActor("author"))
	expectError(t, res, body, http.StatusConflict, "invalid_transition")

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+rt.Steps[0].Key, map[string]any{"data": map[string]any{}}, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save empty first step: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/submit", nil, asActor("author"))
	env = expectError(t, res, body, http.StatusUnprocessableEntity, "validation_failed")
	if missing, _ := env.Error.Details["missing_steps"].([]any); len(missing) != 12 {
		t.Fatalf("missing steps = %v", env.Error.Details)
	}

	var last RecordDetailResponse
	for _, step := range rt.Steps {
		res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+step.Key, map[string]any{"data": fill(step)}, asActor("author"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("save %s: %d %s", step.Key, res.StatusCode, string(body))
		}
		_ = json.Unmarshal(body, &last)
	}
	if last.Record.Status != "IN_PROGRESS" || last.Evaluation.Progress != 99 || !last.Evaluation.Gate.OK {
		t.Fatalf("after all steps: status=%s progress=%d gate=%+v", last.Record.Status, last.Evaluation.Progress, last.Evaluation.Gate)
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+rt.Steps[0].Key, map[string]any{"data": fill(rt.Steps[0]), "expected_version": 1}, asActor("author"))
	expectError(t, res, body, http.StatusConflict, "stale_write")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/submit", nil, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+rt.Steps[0].Key, map[string]any{"data": fill(rt.Steps[0])}, asActor("author"))
	expectError(t, res, body, http.StatusConflict, "record_locked")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/approve", nil, asActor("author"))
	expectError(t, res, body, http.StatusForbidden, "forbidden")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/approve", nil, bearer(t, "dana", "dpo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(body))
	}
	var approved RecordDetailResponse
	_ = json.Unmarshal(body, &approved)
	if approved.Record.Status != "APPROVED" || approved.Evaluation.Progress != 100 {
		t.Fatalf("approved record: %+v", approved.Record)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/reject", map[string]any{"reason": "late"}, bearer(t, "dana", "dpo"))
	expectError(t, res, body, http.StatusConflict, "invalid_transition")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/"+id+"/events?limit=2", nil, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 2 || page.Items[0].Type != "record.approved" || page.NextCursor == "" {
		t.Fatalf("events page: %+v", page)
	}
}

func TestEvaluateDraftDoesNotPersist(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rt := recordType(t, srv, "vendor")
	id := createRecord(t, srv, "vendor").Record.ID
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/records/"+id+"/evaluate", map[string]any{
		"step":  rt.Steps[0].Key,
		"draft": fill(rt.Steps[0]),
	}, asActor("author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate: %d %s", res.StatusCode, string(body))
	}
	var ev engine.Evaluation
	_ = json.Unmarshal(body, &ev)
	if ev.Progress != 67 || !ev.Steps[2].Unlocked {
		t.Fatalf("draft evaluation: %+v", ev)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/"+id, nil, asActor("author"))
	var detail RecordDetailResponse
	_ = json.Unmarshal(body, &detail)
	if res.StatusCode != http.StatusOK || detail.Evaluation.Progress != 0 || detail.Record.Version != 1 {
		t.Fatalf("record changed by evaluate: %d %+v", res.StatusCode, detail.Record)
	}
}

func TestVendorChecklistOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	rt := recordType(t, srv, "vendor")
	if rt.Checklist == nil || rt.Checklist.MaxScore != 40 {
		t.Fatalf("vendor checklist: %+v", rt.Checklist)
	}
	id := createRecord(t, srv, "vendor").Record.ID
	url := srv.URL + "/v0/records/" + id

	res, body := doJSON(t, client, http.MethodPut, url+"/checklist/mfa", map[string]any{"status": "COMPLIANT"}, asActor("assessor"))
	expectError(t, res, body, http.StatusConflict, "step_locked")

	res, body = doJSON(t, client, http.MethodPut, url+"/steps/details", map[string]any{"data": fill(rt.Steps[0])}, asActor("assessor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save details: %d %s", res.StatusCode, string(body))
	}
	for q, st := range map[string]string{"dpa_signed": "COMPLIANT", "mfa": "PARTIAL", "pen_testing": "NON_COMPLIANT"} {
		res, body = doJSON(t, client, http.MethodPut, url+"/checklist/"+q, map[string]any{"status": st}, asActor("assessor"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s: %d %s", q, res.StatusCode, string(body))
		}
	}
	res, body = doJSON(t, client, http.MethodPut, url+"/checklist/unknown", map[string]any{"status": "COMPLIANT"}, asActor("assessor"))
	expectError(t, res, body, http.StatusNotFound, "not_found")
	res, body = doJSON(t, client, http.MethodPut, url+"/checklist/mfa", map[string]any{"status": "MAYBE"}, asActor("assessor"))
	expectError(t, res, body, http.StatusBadRequest, "bad_request")

	res, body = doJSON(t, client, http.MethodGet, url+"/assessment", nil, asActor("assessor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assessment: %d %s", res.StatusCode, string(body))
	}
	var a struct {
		Score int    `json:"score"`
		Risk  string `json:"risk"`
	}
	_ = json.Unmarshal(body, &a)
	if a.Score != 3 || a.Risk != "HIGH" {
		t.Fatalf("assessment = %+v", a)
	}
}

func TestDevLoginTokenCarriesRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "admin-1", "roles": []string{"admin"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(body, &login)
	auth := map[string]string{"Authorization": "Bearer " + login.Token}

	rt := recordType(t, srv, "training")
	id := createRecord(t, srv, "training").Record.ID
	for _, step := range rt.Steps {
		res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/records/"+id+"/steps/"+step.Key, map[string]any{"data": fill(step)}, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("save %s: %d %s", step.Key, res.StatusCode, string(body))
		}
	}
	if res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/submit", nil, auth); res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/reject", map[string]any{"reason": ""}, auth)
	expectError(t, res, body, http.StatusBadRequest, "bad_request")
	if res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/reject", map[string]any{"reason": "missing signatures"}, auth); res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/"+id+"/reopen", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reopen: %d %s", res.StatusCode, string(body))
	}
	var reopened RecordDetailResponse
	_ = json.Unmarshal(body, &reopened)
	if reopened.Record.Status != "DRAFT" {
		t.Fatalf("reopened status = %s", reopened.Record.Status)
	}
}

func TestListRecordsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 3; i++ {
		createRecord(t, srv, "ropa")
	}
	seen := map[string]bool{}
	url := srv.URL + "/v0/records?type=ropa&limit=2"
	res, body := doJSON(t, srv.Client(), http.MethodGet, url, nil, asActor("author"))
	var page paginatedRecords
	if err := json.Unmarshal(body, &page); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("first page: %d %s", res.StatusCode, string(body))
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}
	for _, it := range page.Items {
		seen[it.ID] = true
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, url+"&cursor="+neturl.QueryEscape(page.NextCursor), nil, asActor("author"))
	page = paginatedRecords{}
	if err := json.Unmarshal(body, &page); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(body))
	}
	if len(page.Items) != 1 || seen[page.Items[0].ID] || page.NextCursor != "" {
		t.Fatalf("second page: %+v", page)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records?type=bogus", nil, asActor("author"))
	expectError(t, res, body, http.StatusBadRequest, "bad_request")
}
