package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

type userOutput struct {
	Body domain.User `json:"body"`
}

type campaignPath struct {
	CampaignID int64 `path:"campaign_id"`
}

type ranksOutput struct {
	Body []domain.RankRecord `json:"body"`
}

type tasksOutput struct {
	Body []domain.Task `json:"body"`
}

func (h handlers) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a user by email",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterUserRequest `json:"body"`
	}) (*userOutput, error) {
		u, err := h.e.EnsureUser(ctx, input.Body.Email)
		if err != nil {
			return nil, h.fail(err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*userOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := h.e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &userOutput{Body: u}, nil
	})
}

func (h handlers) registerCampaigns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-blueprint",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Create a campaign from a blueprint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ImportBlueprintRequest `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bp, err := config.BlueprintFromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(engine.KindValidation), err.Error(), nil)
		}
		res, err := h.e.ImportBlueprint(ctx, bp, userID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Campaign `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListCampaigns(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Campaign{}
		}
		return &struct {
			Body []domain.Campaign `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-creatable-stages",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/stages",
		Summary:     "List stages where cases can be opened",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *campaignPath) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetCampaign(ctx, input.CampaignID); err != nil {
			return nil, h.fail(err)
		}
		items, err := h.e.Repo.ListCreatableStages(ctx, input.CampaignID)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Stage{}
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/join",
		Summary:     "Join a campaign and receive its default ranks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *campaignPath) (*ranksOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := h.e.JoinCampaign(ctx, userID, input.CampaignID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &ranksOutput{Body: nonNilRanks(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-ranks",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/ranks",
		Summary:     "Ranks held in a campaign",
	}, func(ctx context.Context, input *campaignPath) (*ranksOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := h.e.UserRanks(ctx, userID, input.CampaignID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &ranksOutput{Body: nonNilRanks(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-selectable-tasks",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/selectable",
		Summary:     "Open unassigned tasks the caller may pick up",
	}, func(ctx context.Context, input *campaignPath) (*tasksOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListSelectableTasks(ctx, userID, input.CampaignID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &tasksOutput{Body: nonNilTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID int64  `path:"campaign_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"campaign,case,task,rank,notification"`
		EntityID   int64  `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, repo.EventFilters{
			CampaignID: input.CampaignID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedEvents{}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerErrors(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-errors",
		Method:      http.MethodGet,
		Path:        "/errors",
		Summary:     "Durable error records, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*tasksOutput, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListErrors(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.fail(err)
		}
		return &tasksOutput{Body: nonNilTasks(items)}, nil
	})
}

func (h handlers) registerNotifications(api huma.API) {
	type notificationsOutput struct {
		Body []domain.Notification `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/notifications",
		Summary:     "Notifications addressed to the caller",
	}, func(ctx context.Context, input *struct {
		CampaignID int64 `path:"campaign_id"`
		Unread     bool  `query:"unread"`
	}) (*notificationsOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListNotifications(ctx, userID, input.CampaignID, input.Unread)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &notificationsOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-notification",
		Method:        http.MethodPost,
		Path:          "/campaigns/{campaign_id}/notifications",
		Summary:       "Send a notification to a user or a rank",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID int64                   `path:"campaign_id"`
		Body       SendNotificationRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := h.e.SendNotification(ctx, userID, engine.SendNotificationOptions{
			CampaignID:   input.CampaignID,
			Title:        input.Body.Title,
			Text:         input.Body.Text,
			TargetUserID: input.Body.TargetUserID,
			TargetRankID: input.Body.TargetRankID,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID int64 `path:"notification_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.MarkNotificationRead(ctx, userID, input.NotificationID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func nonNilRanks(items []domain.RankRecord) []domain.RankRecord {
	if items == nil {
		return []domain.RankRecord{}
	}
	return items
}
