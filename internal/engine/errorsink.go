package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// Names of the campaign graph holding durable error records.
const (
	ErrorsCampaign = "errors"
	ErrorsChain    = "errors"
	ErrorsStage    = "error"
)

// EnsureErrorsCampaign creates the errors campaign on first use and returns its stage id.
func (e Engine) EnsureErrorsCampaign(ctx context.Context) (int64, error) {
	tx, err := db.BeginTx(ctx, e.DB)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	now := e.stamp()

	c, err := r.GetCampaignByName(ctx, ErrorsCampaign)
	if errors.Is(err, repo.ErrNotFound) {
		c, err = r.InsertCampaign(ctx, domain.Campaign{Name: ErrorsCampaign, Description: "Durable error records", CreatedAt: now})
	}
	if err != nil {
		return 0, fmt.Errorf("errors campaign: %w", err)
	}
	ch, err := r.GetChainByName(ctx, c.ID, ErrorsChain)
	if errors.Is(err, repo.ErrNotFound) {
		ch, err = r.InsertChain(ctx, domain.Chain{CampaignID: c.ID, Name: ErrorsChain, IsIndividual: true, CreatedAt: now})
	}
	if err != nil {
		return 0, fmt.Errorf("errors chain: %w", err)
	}
	stages, err := r.ListChainStages(ctx, ch.ID)
	if err != nil {
		return 0, err
	}
	for _, s := range stages {
		if s.Name == ErrorsStage {
			return s.ID, tx.Commit()
		}
	}
	s, err := r.InsertStage(ctx, domain.Stage{
		ChainID: ch.ID,
		Name:    ErrorsStage,
		Kind:    domain.StageKindTask,
		Task: &domain.TaskStage{
			AssignUserBy: domain.AssignByRank,
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":      map[string]any{"type": "string"},
					"message":   map[string]any{"type": "string"},
					"traceback": map[string]any{"type": "string"},
				},
			},
		},
		CreatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("errors stage: %w", err)
	}
	return s.ID, tx.Commit()
}

// afterFailure persists err when it asks for a durable record. It runs
// outside the failed transaction.
func (e Engine) afterFailure(ctx context.Context, err error) {
	var ee *Error
	if !errors.As(err, &ee) || !ee.Durable {
		return
	}
	if _, rerr := e.recordError(context.WithoutCancel(ctx), ee); rerr != nil {
		e.log().Error("record error", zap.Error(rerr), zap.NamedError("cause", err))
	}
}

// recordError stores ee as a task of the errors stage.
func (e Engine) recordError(ctx context.Context, ee *Error) (domain.Task, error) {
	stageID, err := e.EnsureErrorsCampaign(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := db.BeginTx(ctx, e.DB)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	correlation := uuid.NewString()
	data := ee.Data
	if data == nil {
		data = map[string]any{}
	}
	resp := domain.Responses{
		"kind":           string(ee.Kind),
		"message":        ee.Error(),
		"traceback":      traceback(ee),
		"data":           data,
		"correlation_id": correlation,
	}
	if ee.TaskID != 0 {
		resp["task_id"] = ee.TaskID
	}
	if ee.StageID != 0 {
		resp["stage_id"] = ee.StageID
	}
	campaignID := ee.CampaignID
	if campaignID == 0 && ee.StageID != 0 {
		campaignID, _ = r.CampaignOfStage(ctx, ee.StageID)
	}
	if campaignID != 0 {
		resp["campaign_id"] = campaignID
	}
	now := e.stamp()
	t, err := r.InsertTask(ctx, domain.Task{StageID: stageID, Responses: resp, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return t, fmt.Errorf("insert error record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ErrorRecorded, campaignID, "task", t.ID, 0, events.EventPayload{"kind": string(ee.Kind), "correlation_id": correlation}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.metrics().recorded(ctx, ee.Kind)
	e.log().Warn("error recorded", zap.Int64("record_id", t.ID), zap.String("kind", string(ee.Kind)), zap.String("correlation_id", correlation))
	return t, nil
}

// ListErrors returns durable error records, newest first.
func (e Engine) ListErrors(ctx context.Context, limit int) ([]domain.Task, error) {
	stageID, err := e.EnsureErrorsCampaign(ctx)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{StageID: stageID, Limit: limit})
}

// traceback renders the wrap chain of err, outermost first.
func traceback(err error) string {
	var out string
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%d: %T: %v", depth, err, err)
		err = errors.Unwrap(err)
	}
	return out
}
