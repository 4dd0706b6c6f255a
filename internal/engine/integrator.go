package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// integrate joins input into the integrator task of its group, creating the
// task and its case on first sight of the group. Merges of one group are
// serialized through the group lock.
func (e Engine) integrate(ctx context.Context, rn *run, input domain.Task, s domain.Stage, in domain.Integration) error {
	group := make(map[string]any, len(in.GroupBy))
	for _, k := range in.GroupBy {
		v, _ := input.Responses.Get(k)
		group[k] = v
	}
	key, err := repo.GroupKey(group)
	if err != nil {
		return err
	}
	// Immediate transactions already serialize writers on SQLite.
	unlock, err := e.Groups.Lock(ctx, fmt.Sprintf("%d:%s", s.ID, key))
	if err != nil {
		return err
	}
	defer unlock()

	t, err := rn.r.GetIntegratorTask(ctx, s.ID, key)
	if errors.Is(err, repo.ErrNotFound) {
		t, err = e.openIntegratorTask(ctx, rn, s, group, key)
	}
	if err != nil {
		return err
	}
	added, err := rn.r.AddInTask(ctx, t.ID, input.ID)
	if err != nil {
		return fmt.Errorf("link task %d into integrator task %d: %w", input.ID, t.ID, err)
	}
	if s.Task.AssignUserBy == domain.AssignByIntegrator && t.AssigneeID == nil && input.AssigneeID != nil {
		t.AssigneeID = copyID(input.AssigneeID)
		if err := e.updateTask(ctx, rn, &t); err != nil {
			return err
		}
	}
	if added {
		if err := e.emit(ctx, rn, events.TaskIntegrated, s.ID, "task", t.ID, events.EventPayload{"in_task_id": input.ID, "group": group}); err != nil {
			return err
		}
	}
	e.log().Debug("integrated", zap.Int64("task_id", t.ID), zap.Int64("in_task_id", input.ID), zap.String("group", key))
	rn.handOff(t)
	return nil
}

func (e Engine) openIntegratorTask(ctx context.Context, rn *run, s domain.Stage, group map[string]any, key string) (domain.Task, error) {
	now := e.stamp()
	cs, err := rn.r.InsertCase(ctx, s.ChainID, now)
	if err != nil {
		return domain.Task{}, err
	}
	created, err := rn.r.InsertIntegratorTask(ctx, domain.Task{
		StageID:         s.ID,
		CaseID:          int64Ptr(cs.ID),
		Responses:       domain.Responses{},
		IntegratorGroup: group,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert integrator task: %w", err)
	}
	t, err := rn.r.GetIntegratorTask(ctx, s.ID, key)
	if err != nil {
		return t, err
	}
	if !created {
		return t, nil
	}
	if err := e.emit(ctx, rn, events.CaseCreated, s.ID, "case", cs.ID, nil); err != nil {
		return t, err
	}
	if err := e.emit(ctx, rn, events.TaskCreated, s.ID, "task", t.ID, events.EventPayload{"group": group}); err != nil {
		return t, err
	}
	e.metrics().created(ctx, string(domain.AssignByIntegrator))
	return t, nil
}
