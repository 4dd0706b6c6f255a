package server

import (
	"encoding/json"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

type RegisterUserRequest struct {
	Email string `json:"email" minLength:"3" example:"alice@example.com"`
}

type ImportBlueprintRequest struct {
	YAML string `json:"yaml" minLength:"1" doc:"Blueprint document in YAML"`
}

type ResponsesRequest struct {
	Responses domain.Responses `json:"responses"`
}

type CompleteRequest struct {
	Responses domain.Responses `json:"responses,omitempty" doc:"Replaces the task responses before completing"`
}

type SchemaRequest struct {
	Responses domain.Responses `json:"responses,omitempty"`
}

type SendNotificationRequest struct {
	Title        string `json:"title" minLength:"1"`
	Text         string `json:"text,omitempty"`
	TargetUserID *int64 `json:"target_user_id,omitempty"`
	TargetRankID *int64 `json:"target_rank_id,omitempty"`
}

type CompleteResponse struct {
	Task       domain.Task `json:"task"`
	NextTaskID *int64      `json:"next_task_id,omitempty"`
}

type ImportResponse = engine.ImportResult

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	CampaignID int64           `json:"campaign_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   int64           `json:"entity_id,omitempty"`
	ActorID    int64           `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CampaignID: evt.CampaignID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
