package engine

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/dynamicjson"
	"stageline/internal/webhook"
)

// LoadSchema returns the effective schema of a task-stage for partially filled responses.
func (e Engine) LoadSchema(ctx context.Context, stageID int64, responses domain.Responses) (map[string]any, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return nil, notFound("stage", stageID, err)
	}
	if !s.IsTask() {
		return nil, validation("", "stage %d is not a task-stage", stageID)
	}
	schema := dynamicjson.Copy(s.Task.JSONSchema)
	cfgs, err := e.Repo.StageDynamicJSONs(ctx, stageID)
	if err != nil {
		return nil, err
	}
	for _, cfg := range cfgs {
		source := stageID
		if cfg.SourceStageID != nil {
			source = *cfg.SourceStageID
		}
		switch {
		case cfg.WebhookURL != "":
			reply, err := e.Webhooks.Call(ctx, webhook.Request{
				URL:     cfg.WebhookURL,
				Method:  http.MethodPost,
				Payload: map[string]any{"schema": schema, "responses": responses, "stage_id": stageID},
			})
			if err != nil {
				e.metrics().webhook(ctx, false)
				e.log().Warn("dynamic schema webhook", zap.Int64("stage_id", stageID), zap.Error(err))
				return nil, &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf("schema webhook for stage %d failed", stageID), StageID: stageID, Err: err}
			}
			e.metrics().webhook(ctx, true)
			schema = dynamicjson.FromReply(reply)
		case cfg.ObtainOptionsFromStage:
			prior, err := e.Repo.CompletedResponses(ctx, source)
			if err != nil {
				return nil, err
			}
			schema = dynamicjson.WithOptions(schema, cfg.Main, dynamicjson.Harvest(prior, cfg.Main))
		default:
			prior, err := e.Repo.CompletedResponses(ctx, source)
			if err != nil {
				return nil, err
			}
			schema = dynamicjson.Narrow(schema, cfg, responses, prior)
		}
	}
	return schema, nil
}

// validateResponses checks required keys and top-level enums of schema.
func validateResponses(schema map[string]any, responses domain.Responses) *Error {
	if schema == nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		for _, k := range req {
			key, _ := k.(string)
			if key == "" {
				continue
			}
			if v, ok := responses[key]; !ok || v == nil {
				return validation(key, "required field %q is missing", key)
			}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for _, key := range responses.Keys() {
		prop, _ := props[key].(map[string]any)
		enum, ok := prop["enum"].([]any)
		v := responses[key]
		if !ok || v == nil {
			continue
		}
		if !inEnum(enum, v) {
			return validation(key, "field %q holds %v outside its allowed values", key, v)
		}
	}
	return nil
}

func inEnum(enum []any, v any) bool {
	for _, allowed := range enum {
		if domain.SameValue(allowed, v) {
			return true
		}
	}
	return false
}
