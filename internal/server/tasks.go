package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type taskPath struct {
	TaskID int64 `path:"task_id"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func (h handlers) registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initial-task",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/tasks",
		Summary:       "Open a case at a creatable stage",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		StageID int64 `path:"stage_id"`
	}) (*taskOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.CreateInitialTask(ctx, userID, input.StageID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "load-schema",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/schema",
		Summary:     "Effective form schema for partially filled responses",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		StageID int64         `path:"stage_id"`
		Body    SchemaRequest `json:"body" required:"false"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		responses := input.Body.Responses
		if responses == nil {
			responses = domain.Responses{}
		}
		schema, err := h.e.LoadSchema(ctx, input.StageID, responses)
		if err != nil {
			return nil, h.fail(err)
		}
		if schema == nil {
			schema = map[string]any{}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: schema}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Tasks assigned to the caller",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID int64  `query:"campaign_id"`
		StageID    int64  `query:"stage_id"`
		Status     string `query:"status" enum:"open,complete"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		f := repo.TaskFilters{CampaignID: input.CampaignID, StageID: input.StageID, Limit: limit + 1}
		switch input.Status {
		case "open":
			f.Complete = new(bool)
		case "complete":
			done := true
			f.Complete = &done
		}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Cursor = parsed
		}
		items, err := h.e.ListUserTasks(ctx, userID, f)
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = nonNilTasks(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, err := h.e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-responses",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/responses",
		Summary:     "Replace the responses of an open task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID int64            `path:"task_id"`
		Body   ResponsesRequest `json:"body"`
	}) (*taskOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Responses == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "responses required", nil)
		}
		t, err := h.e.EditResponses(ctx, userID, input.TaskID, input.Body.Responses)
		if err != nil {
			return nil, h.fail(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Submit a task and run traversal",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID int64           `path:"task_id"`
		Body   CompleteRequest `json:"body" required:"false"`
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Complete(ctx, engine.CompleteOptions{TaskID: input.TaskID, UserID: userID, Responses: input.Body.Responses})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{Task: res.Task, NextTaskID: res.NextTaskID}}, nil
	})

	// The remaining single-task commands share one shape: caller, task id, updated task.
	commands := []struct {
		id, path, summary string
		run               func(context.Context, int64, int64) (domain.Task, error)
	}{
		{"force-complete-task", "/tasks/{task_id}/force-complete", "Complete without traversal", h.e.ForceComplete},
		{"request-assignment", "/tasks/{task_id}/assign", "Pick up an unassigned task", h.e.RequestAssignment},
		{"release-assignment", "/tasks/{task_id}/release", "Give a task back", h.e.ReleaseAssignment},
		{"uncomplete-task", "/tasks/{task_id}/uncomplete", "Reopen a completed integrator task", h.e.Uncomplete},
		{"open-previous", "/tasks/{task_id}/previous", "Reopen the previous task of the case", h.e.OpenPrevious},
		{"trigger-webhook", "/tasks/{task_id}/webhook", "Call the stage webhook and store its reply", h.e.TriggerWebhook},
	}
	for _, c := range commands {
		run := c.run
		huma.Register(api, huma.Operation{
			OperationID: c.id,
			Method:      http.MethodPost,
			Path:        c.path,
			Summary:     c.summary,
			Errors:      taskErrors,
		}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := run(ctx, userID, input.TaskID)
			if err != nil {
				return nil, h.fail(err)
			}
			return &taskOutput{Body: t}, nil
		})
	}
}
