package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/webhook"
)

// createFromStage produces the task of stage s that follows input. The
// returned task is non-nil only when it was born complete and must be
// traversed in turn.
func (e Engine) createFromStage(ctx context.Context, rn *run, input domain.Task, s domain.Stage) (*domain.Task, error) {
	if s.Task.Fabricates() {
		return e.fabricate(ctx, rn, input, s)
	}
	in, err := rn.r.GetIntegration(ctx, s.ID)
	switch {
	case err == nil:
		return nil, e.integrate(ctx, rn, input, s, in)
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	now := e.stamp()
	t, err := rn.r.InsertTask(ctx, domain.Task{
		StageID:   s.ID,
		CaseID:    input.CaseID,
		Responses: domain.Responses{},
		InTasks:   []int64{input.ID},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("insert task at stage %d: %w", s.ID, err)
	}
	if err := e.assign(ctx, rn, &t, s, input); err != nil {
		return nil, err
	}
	if s.Task.CopyInput {
		t.Responses = input.Responses.Clone()
	}
	if s.Task.Webhook != nil {
		if t.Responses, err = e.callWebhook(ctx, rn, s, input.ID, t.Responses); err != nil {
			return nil, err
		}
	}
	if err := e.applyWindow(ctx, rn, &t); err != nil {
		return nil, err
	}
	if err := e.applyCopyFields(ctx, rn, s.ID, t.Responses, t.AssigneeID, input.AssigneeID, t.CaseID); err != nil {
		return nil, err
	}
	if s.Task.AssignUserBy == domain.AssignAutoComplete {
		t.Complete = true
	}
	if err := e.updateTask(ctx, rn, &t); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, rn, events.TaskCreated, s.ID, "task", t.ID, events.EventPayload{"in_task_id": input.ID, "policy": string(s.Task.AssignUserBy)}); err != nil {
		return nil, err
	}
	e.metrics().created(ctx, string(s.Task.AssignUserBy))
	e.log().Debug("task created", zap.Int64("task_id", t.ID), zap.Int64("stage_id", s.ID), zap.Int64("in_task_id", input.ID))
	rn.handOff(t)
	if t.Complete {
		return &t, nil
	}
	return nil, nil
}

// fabricate builds a complete task from the webhook reply of a webhook-only stage.
func (e Engine) fabricate(ctx context.Context, rn *run, input domain.Task, s domain.Stage) (*domain.Task, error) {
	src := input.Responses.Clone()
	if err := e.applyCopyFields(ctx, rn, s.ID, src, input.AssigneeID, nil, input.CaseID); err != nil {
		return nil, err
	}
	resp, err := e.callWebhook(ctx, rn, s, input.ID, src)
	if err != nil {
		return nil, err
	}
	now := e.stamp()
	t, err := rn.r.InsertTask(ctx, domain.Task{
		StageID:   s.ID,
		CaseID:    input.CaseID,
		Responses: resp,
		Complete:  true,
		InTasks:   []int64{input.ID},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("insert fabricated task at stage %d: %w", s.ID, err)
	}
	if err := e.emit(ctx, rn, events.TaskCreated, s.ID, "task", t.ID, events.EventPayload{"in_task_id": input.ID, "fabricated": true}); err != nil {
		return nil, err
	}
	e.metrics().created(ctx, domain.WebhookFabricate)
	return &t, nil
}

// callWebhook sends responses to the stage webhook and returns the new responses.
func (e Engine) callWebhook(ctx context.Context, rn *run, s domain.Stage, inTaskID int64, responses domain.Responses) (domain.Responses, error) {
	hook := s.Task.Webhook
	ctx, span := e.tracer().Start(ctx, "engine.webhook", trace.WithAttributes(
		attribute.Int64("stage.id", s.ID),
		attribute.String("webhook.kind", hook.Kind),
	))
	defer span.End()

	payload := map[string]any{}
	if hook.PayloadField != "" {
		payload[hook.PayloadField] = map[string]any(responses.Clone())
	} else {
		for k, v := range responses.Clone() {
			payload[k] = v
		}
	}
	for k, v := range hook.Params {
		payload[k] = v
	}
	if inTaskID != 0 {
		payload["in_task_id"] = inTaskID
	}
	method := hook.Method
	if method == "" {
		method = http.MethodPost
	}

	unavailable := func(msg string, err error) error {
		e.metrics().webhook(ctx, false)
		span.RecordError(err)
		e.log().Warn("webhook failed", zap.Int64("stage_id", s.ID), zap.String("url", hook.URL), zap.Error(err))
		return &Error{
			Kind:       KindServiceUnavailable,
			Message:    msg,
			StageID:    s.ID,
			CampaignID: rn.campaignOf(ctx, s.ID),
			Data:       map[string]any{"url": hook.URL, "method": method, "in_task_id": inTaskID},
			Durable:    true,
			Err:        err,
		}
	}
	reply, err := e.Webhooks.Call(ctx, webhook.Request{URL: hook.URL, Method: method, Payload: payload, Headers: hook.Headers})
	if err != nil {
		return nil, unavailable(fmt.Sprintf("webhook for stage %d failed", s.ID), err)
	}
	if hook.ResponseField == "" {
		e.metrics().webhook(ctx, true)
		return domain.Responses(reply), nil
	}
	v, ok := reply[hook.ResponseField]
	m, isMap := v.(map[string]any)
	if !ok || !isMap {
		return nil, unavailable(fmt.Sprintf("webhook for stage %d replied without object field %q", s.ID, hook.ResponseField), webhook.ErrBadReply)
	}
	e.metrics().webhook(ctx, true)
	return domain.Responses(m), nil
}
