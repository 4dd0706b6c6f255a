package engine

import (
	"context"
	"errors"
	"sort"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// applyCopyFields imports fields into dst from the copy-field sources of
// stageID. USER scope reads the latest completion of user, falling back to
// fallback; CASE scope reads the latest completion in caseID.
func (e Engine) applyCopyFields(ctx context.Context, rn *run, stageID int64, dst domain.Responses, user, fallback, caseID *int64) error {
	fields, err := rn.r.StageCopyFields(ctx, stageID)
	if err != nil {
		return err
	}
	for _, cf := range fields {
		src, ok, err := e.copySource(ctx, rn, cf, user, fallback, caseID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if cf.CopyAll {
			dst.Merge(src.Clone())
			continue
		}
		keys := make([]string, 0, len(cf.Fields))
		for k := range cf.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, from := range keys {
			if v, ok := src.Get(from); ok {
				dst.Set(cf.Fields[from], v)
			}
		}
	}
	return nil
}

func (e Engine) copySource(ctx context.Context, rn *run, cf domain.CopyField, user, fallback, caseID *int64) (domain.Responses, bool, error) {
	var (
		t   domain.Task
		err = repo.ErrNotFound
	)
	switch cf.Scope {
	case domain.CopyScopeCase:
		if caseID != nil {
			t, err = rn.r.LatestCaseTask(ctx, *caseID, cf.CopyFromStageID, repo.LatestFilter{CompleteOnly: true})
		}
	default:
		for _, u := range []*int64{user, fallback} {
			if u == nil {
				continue
			}
			t, err = rn.r.LatestCompletedByUser(ctx, cf.CopyFromStageID, *u)
			if !errors.Is(err, repo.ErrNotFound) {
				break
			}
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t.Responses, true, nil
}

// applyWindow sets the availability window from the stage's datetime modifier.
func (e Engine) applyWindow(ctx context.Context, rn *run, t *domain.Task) error {
	ds, err := rn.r.GetDatetimeSort(ctx, t.StageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t.StartPeriod, t.EndPeriod = ds.Window(e.now())
	return nil
}

// replaceResponses stores resp on t when it differs and records the changed keys.
func (e Engine) replaceResponses(ctx context.Context, rn *run, t *domain.Task, resp domain.Responses) error {
	changed := domain.ChangedKeys(t.Responses, resp)
	if len(changed) == 0 {
		return nil
	}
	t.Responses = resp.Clone()
	if err := e.updateTask(ctx, rn, t); err != nil {
		return err
	}
	return e.emit(ctx, rn, events.ResponsesUpdated, t.StageID, "task", t.ID, events.EventPayload{"keys": changed})
}
