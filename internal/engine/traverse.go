package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"stageline/internal/conditions"
	"stageline/internal/domain"
	"stageline/internal/events"
)

// traverse walks the out-stages of from on behalf of input: plain
// conditionals first, then limit conditionals by order, then task-stages.
// It returns the tasks born complete that must be processed in turn.
func (e Engine) traverse(ctx context.Context, rn *run, input domain.Task, from domain.Stage, hop int) ([]domain.Task, error) {
	if hop > e.maxDepth() {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("conditional loop at stage %d", from.ID), StageID: from.ID, TaskID: input.ID, Durable: true}
	}
	outs, err := rn.r.OutStages(ctx, from.ID)
	if err != nil {
		return nil, err
	}
	var plain, limits, tasks []domain.Stage
	for _, s := range outs {
		rn.stages[s.ID] = s
		switch {
		case s.IsLimit():
			limits = append(limits, s)
		case s.IsConditional():
			plain = append(plain, s)
		case s.IsTask():
			tasks = append(tasks, s)
		}
	}
	sort.SliceStable(limits, func(i, j int) bool {
		a, b := *limits[i].Conditional.LimitOrder, *limits[j].Conditional.LimitOrder
		if a != b {
			return a < b
		}
		return limits[i].ID < limits[j].ID
	})

	var onward []domain.Task
	for _, c := range plain {
		ok, err := conditions.Evaluate(c.Conditional.Conditions, input.Responses)
		if err != nil {
			return nil, e.conditionError(ctx, rn, c, input, err)
		}
		if !ok {
			continue
		}
		var more []domain.Task
		if c.Conditional.Pingpong {
			more, err = e.pingpong(ctx, rn, input, c)
		} else {
			more, err = e.traverse(ctx, rn, input, c, hop+1)
		}
		if err != nil {
			return nil, err
		}
		onward = append(onward, more...)
	}

	for _, c := range limits {
		count, err := e.limitCount(ctx, rn, input, c)
		if err != nil {
			return nil, err
		}
		ok, err := conditions.EvaluateCount(c.Conditional.Conditions, count)
		if err != nil {
			return nil, e.conditionError(ctx, rn, c, input, err)
		}
		if !ok {
			continue
		}
		more, err := e.traverse(ctx, rn, input, c, hop+1)
		if err != nil {
			return nil, err
		}
		onward = append(onward, more...)
		break
	}

	for _, s := range tasks {
		born, err := e.createFromStage(ctx, rn, input, s)
		if err != nil {
			return nil, err
		}
		if born != nil {
			onward = append(onward, *born)
		}
	}
	return onward, nil
}

// limitCount counts the case's tasks at the first task-stage downstream of a limit conditional.
func (e Engine) limitCount(ctx context.Context, rn *run, input domain.Task, c domain.Stage) (int, error) {
	if input.CaseID == nil {
		return 0, nil
	}
	outs, err := rn.r.OutStages(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	for _, s := range outs {
		if s.IsTask() {
			return rn.r.CountTasksAtStageInCase(ctx, s.ID, *input.CaseID)
		}
	}
	return 0, nil
}

func (e Engine) conditionError(ctx context.Context, rn *run, c domain.Stage, input domain.Task, err error) error {
	return &Error{
		Kind:       KindValidation,
		Message:    fmt.Sprintf("conditional stage %d: %v", c.ID, err),
		TaskID:     input.ID,
		StageID:    c.ID,
		CampaignID: rn.campaignOf(ctx, c.ID),
		Data:       map[string]any{"rules": c.Conditional.Conditions, "task_id": input.ID},
		Durable:    true,
		Err:        err,
	}
}

// pingpong returns work to the task-stages behind a matched pingpong
// conditional. Tasks linked to input are reopened first; failing that, the
// case's tasks at the stage. Stages without any task get a fresh one.
func (e Engine) pingpong(ctx context.Context, rn *run, input domain.Task, c domain.Stage) ([]domain.Task, error) {
	outs, err := rn.r.OutStages(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	linked := append([]int64{}, input.InTasks...)
	outTasks, err := rn.r.OutTasks(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range outTasks {
		linked = append(linked, t.ID)
	}
	near, err := rn.r.TasksByIDs(ctx, linked)
	if err != nil {
		return nil, err
	}

	var onward []domain.Task
	for _, x := range outs {
		if !x.IsTask() {
			continue
		}
		rn.stages[x.ID] = x
		var targets []domain.Task
		for _, t := range near {
			if t.StageID == x.ID {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 && input.CaseID != nil {
			if targets, err = rn.r.TasksAtStageInCase(ctx, x.ID, *input.CaseID); err != nil {
				return nil, err
			}
		}
		if len(targets) == 0 {
			born, err := e.createFromStage(ctx, rn, input, x)
			if err != nil {
				return nil, err
			}
			if born != nil {
				onward = append(onward, *born)
			}
			continue
		}
		for _, t := range targets {
			if t.ForceComplete {
				continue
			}
			if x.Task.Fabricates() {
				if err := e.refabricate(ctx, rn, input, x, t); err != nil {
					return nil, err
				}
				continue
			}
			if err := e.reopen(ctx, rn, t, "pingpong", input.ID); err != nil {
				return nil, err
			}
		}
	}
	return onward, nil
}

func (e Engine) reopen(ctx context.Context, rn *run, t domain.Task, reason string, fromTaskID int64) error {
	t.Complete = false
	t.Reopened = true
	if err := e.updateTask(ctx, rn, &t); err != nil {
		return err
	}
	if err := e.emit(ctx, rn, events.TaskReopened, t.StageID, "task", t.ID, events.EventPayload{"reason": reason, "from_task_id": fromTaskID}); err != nil {
		return err
	}
	e.log().Debug("task reopened", zap.Int64("task_id", t.ID), zap.String("reason", reason))
	rn.handOff(t)
	return nil
}

// refabricate calls a webhook-only stage again and stores the reply on an existing task.
func (e Engine) refabricate(ctx context.Context, rn *run, input domain.Task, s domain.Stage, t domain.Task) error {
	src := input.Responses.Clone()
	if err := e.applyCopyFields(ctx, rn, s.ID, src, input.AssigneeID, nil, input.CaseID); err != nil {
		return err
	}
	resp, err := e.callWebhook(ctx, rn, s, input.ID, src)
	if err != nil {
		return err
	}
	t.Responses = resp
	if err := e.updateTask(ctx, rn, &t); err != nil {
		return err
	}
	return e.emit(ctx, rn, events.WebhookApplied, s.ID, "task", t.ID, events.EventPayload{"in_task_id": input.ID})
}
