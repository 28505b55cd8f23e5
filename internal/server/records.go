package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/repo"
	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

type recordPath struct {
	ID string `path:"id"`
}

type recordDetailOutput struct {
	Body RecordDetailResponse `json:"body"`
}

func detailOutput(e engine.Engine, rec domain.Record) (*recordDetailOutput, error) {
	rt, err := e.Catalog.RecordType(rec.Type)
	if err != nil {
		return nil, handleError(err)
	}
	ev, err := engine.Evaluate(rt, rec, "", nil)
	if err != nil {
		return nil, handleError(err)
	}
	return &recordDetailOutput{Body: RecordDetailResponse{Record: recordResponse(rec, ev.Progress), Evaluation: ev}}, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRecordTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-record-types",
		Method:      http.MethodGet,
		Path:        "/record-types",
		Summary:     "List record types and their step schemas",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RecordTypeResponse `json:"body"`
	}, error) {
		items := []RecordTypeResponse{}
		for _, rt := range e.Catalog.Types.Types() {
			items = append(items, recordTypeResponse(rt, checklistFor(e, rt.Key)))
		}
		return &struct {
			Body []RecordTypeResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record-type",
		Method:      http.MethodGet,
		Path:        "/record-types/{type}",
		Summary:     "Get a record type with status counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
	}) (*struct {
		Body RecordTypeResponse `json:"body"`
	}, error) {
		rt, err := e.Catalog.RecordType(input.Type)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"type": input.Type})
		}
		counts, err := e.StatusCounts(ctx, rt.Key)
		if err != nil {
			return nil, handleError(err)
		}
		resp := recordTypeResponse(rt, checklistFor(e, rt.Key))
		resp.StatusCounts = counts
		return &struct {
			Body RecordTypeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func checklistFor(e engine.Engine, recordType string) *engine.ChecklistBinding {
	if b, ok := e.Catalog.Checklist(recordType); ok {
		return &b
	}
	return nil
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-record",
		Method:      http.MethodPost,
		Path:        "/records",
		Summary:     "Create a record in DRAFT",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*recordDetailOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{Type: input.Body.Type, Title: input.Body.Title, ActorID: principal.ActorID}
		if input.Body.ID != nil {
			opts.ID = strings.TrimSpace(*input.Body.ID)
		}
		rec, err := e.CreateRecord(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRecords `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListRecords(ctx, repo.RecordFilters{
			Type:            input.Type,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecords{Items: []RecordResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, rec := range items {
			progress := 0
			if rt, err := e.Catalog.RecordType(rec.Type); err == nil {
				if ev, err := engine.Evaluate(rt, rec, "", nil); err == nil {
					progress = ev.Progress
				}
			}
			resp.Items = append(resp.Items, recordResponse(rec, progress))
		}
		return &struct {
			Body paginatedRecords `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get a record and its evaluation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*recordDetailOutput, error) {
		rec, err := e.GetRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-step",
		Method:      http.MethodPut,
		Path:        "/records/{id}/steps/{step}",
		Summary:     "Save one step's data",
		Description: "Missing required fields do not block the save; they are reported in the evaluation.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Step string          `path:"step"`
		Body SaveStepRequest `json:"body"`
	}) (*recordDetailOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.SaveStep(ctx, engine.SaveStepOptions{
			ID:              input.ID,
			Step:            workflow.StepKey(input.Step),
			Data:            workflow.StepData(input.Body.Data),
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/evaluate",
		Summary:     "Evaluate a record, optionally with an unsaved draft",
		Description: "When step is given, draft stands in for that step's persisted data. Nothing is stored.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EvaluateRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		var draft workflow.StepData
		if input.Body.Draft != nil {
			draft = workflow.StepData(input.Body.Draft)
		}
		_, ev, err := e.EvaluateRecord(ctx, input.ID, workflow.StepKey(input.Body.Step), draft)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: ev}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine, approverRoles []string) {
	decider := func(ctx context.Context) (Principal, huma.StatusError) {
		if len(approverRoles) == 0 {
			return principalFromRequest(ctx)
		}
		return requireRole(ctx, approverRoles)
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/submit",
		Summary:     "Submit a record for approval",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *recordPath) (*recordDetailOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Submit(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/approve",
		Summary:     "Approve a submitted record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *recordPath) (*recordDetailOutput, error) {
		principal, authErr := decider(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Approve(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/reject",
		Summary:     "Reject a submitted record with a reason",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*recordDetailOutput, error) {
		principal, authErr := decider(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Reject(ctx, input.ID, principal.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/reopen",
		Summary:     "Return a rejected record to DRAFT for rework",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *recordPath) (*recordDetailOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Reopen(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return detailOutput(e, rec)
	})
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPut,
		Path:        "/records/{id}/checklist/{question_id}",
		Summary:     "Answer one checklist question",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID         string        `path:"id"`
		QuestionID string        `path:"question_id"`
		Body       AnswerRequest `json:"body"`
	}) (*struct {
		Body scoring.Assessment `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AnswerQuestion(ctx, engine.AnswerOptions{
			ID:           input.ID,
			QuestionID:   input.QuestionID,
			Status:       scoring.AnswerStatus(input.Body.Status),
			ResponseText: input.Body.ResponseText,
			ActorID:      principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scoring.Assessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/records/{id}/assessment",
		Summary:     "Checklist score and risk level",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body scoring.Assessment `json:"body"`
	}, error) {
		a, err := e.Assessment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scoring.Assessment `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-record-events",
		Method:      http.MethodGet,
		Path:        "/records/{id}/events",
		Summary:     "List a record's events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.GetRecord(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.History(ctx, repo.EventFilters{RecordID: input.ID, Type: input.Type, Limit: limit + 1, Cursor: cursorID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, actor, input.Body.Roles, authCfg.TokenTTL, timeNow())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
