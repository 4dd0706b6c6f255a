package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// withTask runs fn on a task under the completion guard and commits its writes.
func (e Engine) withTask(ctx context.Context, userID, taskID int64, fn func(rn *run, t *domain.Task, s domain.Stage) error) (domain.Task, error) {
	release, err := e.guard(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer release()
	rn, err := e.begin(ctx, userID)
	if err != nil {
		return domain.Task{}, err
	}
	defer rn.tx.Rollback()
	t, err := e.loadTask(ctx, rn, taskID)
	if err != nil {
		return t, err
	}
	s, err := rn.stage(ctx, t.StageID)
	if err != nil {
		return t, err
	}
	if err := fn(rn, &t, s); err != nil {
		_ = rn.tx.Rollback()
		e.afterFailure(ctx, err)
		return domain.Task{}, err
	}
	if err := rn.tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, taskID)
}

// EnsureUser registers the user by email.
func (e Engine) EnsureUser(ctx context.Context, email string) (domain.User, error) {
	return e.Repo.EnsureUser(ctx, email, e.stamp())
}

// JoinCampaign grants the user every track's default rank and the ranks they unlock.
func (e Engine) JoinCampaign(ctx context.Context, userID, campaignID int64) ([]domain.RankRecord, error) {
	rn, err := e.begin(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rn.tx.Rollback()
	if _, err := rn.r.GetUser(ctx, userID); err != nil {
		return nil, &Error{Kind: KindUserNotFound, Message: fmt.Sprintf("user %d not found", userID), Err: err}
	}
	if _, err := rn.r.GetCampaign(ctx, campaignID); err != nil {
		return nil, notFound("campaign", campaignID, err)
	}
	tracks, err := rn.r.ListTracks(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, tr := range tracks {
		if tr.DefaultRankID == nil {
			continue
		}
		if _, err := e.grant(ctx, rn, userID, *tr.DefaultRankID, "join"); err != nil {
			return nil, err
		}
	}
	if err := e.deriveRanks(ctx, rn, userID, campaignID); err != nil {
		return nil, err
	}
	if err := rn.tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListRankRecords(ctx, userID, campaignID)
}

// UserRanks lists the ranks the user holds in a campaign.
func (e Engine) UserRanks(ctx context.Context, userID, campaignID int64) ([]domain.RankRecord, error) {
	return e.Repo.ListRankRecords(ctx, userID, campaignID)
}

// CreateInitialTask opens a new case at a creatable stage, assigned to the
// user. On shared chains an open task of the user at the stage is returned instead.
func (e Engine) CreateInitialTask(ctx context.Context, userID, stageID int64) (domain.Task, error) {
	rn, err := e.begin(ctx, userID)
	if err != nil {
		return domain.Task{}, err
	}
	defer rn.tx.Rollback()
	s, err := rn.stage(ctx, stageID)
	if err != nil {
		return domain.Task{}, err
	}
	if !s.IsTask() || !s.Task.IsCreatable {
		return domain.Task{}, validation("", "stage %d is not creatable", stageID)
	}
	chain, err := rn.r.GetChain(ctx, s.ChainID)
	if err != nil {
		return domain.Task{}, err
	}
	if !chain.IsIndividual {
		open, err := rn.r.OpenTaskForUser(ctx, stageID, userID)
		if err == nil {
			return open, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	if err := e.Auth.CanCreate(ctx, rn.r, userID, stageID); err != nil {
		return domain.Task{}, err
	}
	now := e.stamp()
	cs, err := rn.r.InsertCase(ctx, s.ChainID, now)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		StageID:    stageID,
		CaseID:     int64Ptr(cs.ID),
		AssigneeID: int64Ptr(userID),
		Responses:  domain.Responses{},
		InTasks:    []int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.applyWindow(ctx, rn, &t); err != nil {
		return domain.Task{}, err
	}
	if err := e.applyCopyFields(ctx, rn, stageID, t.Responses, t.AssigneeID, nil, t.CaseID); err != nil {
		return domain.Task{}, err
	}
	if t, err = rn.r.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.emit(ctx, rn, events.CaseCreated, stageID, "case", cs.ID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, rn, events.TaskCreated, stageID, "task", t.ID, events.EventPayload{"initial": true}); err != nil {
		return domain.Task{}, err
	}
	if err := rn.tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.metrics().created(ctx, "initial")
	e.log().Info("case opened", zap.Int64("case_id", cs.ID), zap.Int64("task_id", t.ID), zap.Int64("user_id", userID))
	return t, nil
}

// EditResponses replaces the responses of an open task owned by the user.
func (e Engine) EditResponses(ctx context.Context, userID, taskID int64, responses domain.Responses) (domain.Task, error) {
	return e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		if !t.AssignedTo(userID) {
			return forbidden(t.ID, "task %d is not assigned to user %d", t.ID, userID)
		}
		if t.Complete {
			return &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already completed", t.ID), TaskID: t.ID}
		}
		if responses == nil {
			responses = domain.Responses{}
		}
		return e.replaceResponses(ctx, rn, t, responses)
	})
}

// RequestAssignment hands an unassigned task to the user.
func (e Engine) RequestAssignment(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	return e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		if t.AssignedTo(userID) {
			return nil
		}
		if t.AssigneeID != nil {
			return forbidden(t.ID, "task %d is already assigned", t.ID)
		}
		if t.Complete {
			return &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already completed", t.ID), TaskID: t.ID}
		}
		if !t.Available(e.now()) {
			return validation("", "task %d is outside its availability window", t.ID)
		}
		if err := e.Auth.CanSelect(ctx, rn.r, userID, s.ID); err != nil {
			return err
		}
		t.AssigneeID = int64Ptr(userID)
		if err := e.updateTask(ctx, rn, t); err != nil {
			return err
		}
		return e.emit(ctx, rn, events.TaskAssigned, s.ID, "task", t.ID, events.EventPayload{"user_id": userID})
	})
}

// ReleaseAssignment returns an open task to the pool when its stage allows it.
func (e Engine) ReleaseAssignment(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	return e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		if !t.AssignedTo(userID) {
			return forbidden(t.ID, "task %d is not assigned to user %d", t.ID, userID)
		}
		if !s.IsTask() || !s.Task.AllowRelease {
			return forbidden(t.ID, "stage %d does not allow release", s.ID)
		}
		if t.Complete {
			return &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already completed", t.ID), TaskID: t.ID}
		}
		t.AssigneeID = nil
		if err := e.updateTask(ctx, rn, t); err != nil {
			return err
		}
		return e.emit(ctx, rn, events.TaskReleased, s.ID, "task", t.ID, events.EventPayload{"user_id": userID})
	})
}

// Uncomplete reopens a completed task of an INTEGRATOR stage whose single
// out-task is still open. The out-task is kept.
func (e Engine) Uncomplete(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	return e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		impossible := func(reason string) error {
			return &Error{Kind: KindImpossibleToUncomplete, Message: fmt.Sprintf("task %d cannot be uncompleted: %s", t.ID, reason), TaskID: t.ID}
		}
		if !t.AssignedTo(userID) {
			return forbidden(t.ID, "task %d is not assigned to user %d", t.ID, userID)
		}
		if !t.Complete || t.ForceComplete {
			return impossible("task is not completed")
		}
		if !s.IsTask() || s.Task.AssignUserBy != domain.AssignByIntegrator {
			return impossible("stage does not assign by integrator")
		}
		out, err := rn.r.OutTasks(ctx, t.ID)
		if err != nil {
			return err
		}
		if len(out) != 1 || out[0].Complete {
			return impossible("requires exactly one open out-task")
		}
		t.Complete = false
		t.Reopened = true
		if err := e.updateTask(ctx, rn, t); err != nil {
			return err
		}
		return e.emit(ctx, rn, events.TaskUncompleted, s.ID, "task", t.ID, events.EventPayload{"out_task_id": out[0].ID})
	})
}

// OpenPrevious reopens the completed predecessor of an open task so its
// owner can revise it. It returns the reopened predecessor.
func (e Engine) OpenPrevious(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	var prevID int64
	_, err := e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		impossible := func(reason string) error {
			return &Error{Kind: KindImpossibleToGoBack, Message: fmt.Sprintf("cannot open the task before %d: %s", t.ID, reason), TaskID: t.ID}
		}
		if !t.AssignedTo(userID) {
			return forbidden(t.ID, "task %d is not assigned to user %d", t.ID, userID)
		}
		if t.Complete {
			return impossible("task is completed")
		}
		if !s.IsTask() || !s.Task.AllowGoBack {
			return impossible("stage does not allow going back")
		}
		if len(t.InTasks) != 1 {
			return impossible("requires exactly one in-task")
		}
		prev, err := rn.r.GetTask(ctx, t.InTasks[0])
		if err != nil {
			return notFound("task", t.InTasks[0], err)
		}
		if !prev.Complete || prev.ForceComplete || !prev.AssignedTo(userID) {
			return impossible("previous task is not a completed task of the user")
		}
		prevID = prev.ID
		return e.reopen(ctx, rn, prev, "open_previous", t.ID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, prevID)
}

// TriggerWebhook runs the stage webhook on an open task and stores the reply as its responses.
func (e Engine) TriggerWebhook(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	return e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		if !t.AssignedTo(userID) {
			return forbidden(t.ID, "task %d is not assigned to user %d", t.ID, userID)
		}
		if t.Complete {
			return &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already completed", t.ID), TaskID: t.ID}
		}
		if !s.IsTask() || s.Task.Webhook == nil {
			return validation("", "stage %d has no webhook", s.ID)
		}
		var inTask int64
		if len(t.InTasks) > 0 {
			inTask = t.InTasks[len(t.InTasks)-1]
		}
		resp, err := e.callWebhook(ctx, rn, s, inTask, t.Responses)
		if err != nil {
			return err
		}
		if err := e.replaceResponses(ctx, rn, t, resp); err != nil {
			return err
		}
		return e.emit(ctx, rn, events.WebhookApplied, s.ID, "task", t.ID, nil)
	})
}

// ListUserTasks lists tasks assigned to the user, newest first.
func (e Engine) ListUserTasks(ctx context.Context, userID int64, f repo.TaskFilters) ([]domain.Task, error) {
	f.AssigneeID = userID
	f.Unassigned = false
	return e.Repo.ListTasks(ctx, f)
}

// ListSelectableTasks lists open unassigned tasks the user may pick up in a campaign.
func (e Engine) ListSelectableTasks(ctx context.Context, userID, campaignID int64) ([]domain.Task, error) {
	stageIDs, err := e.Repo.ListableStageIDs(ctx, userID, campaignID)
	if err != nil {
		return nil, err
	}
	open := false
	now := e.now()
	var out []domain.Task
	for _, id := range stageIDs {
		if err := e.Auth.CanSelect(ctx, e.Repo, userID, id); err != nil {
			continue
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{StageID: id, Unassigned: true, Complete: &open})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Available(now) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
