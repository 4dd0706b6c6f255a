package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/quiz"
	"stageline/internal/repo"
)

type CompleteOptions struct {
	TaskID int64
	UserID int64
	// Responses replace the stored responses when non-nil.
	Responses domain.Responses
}

type CompleteResult struct {
	Task domain.Task `json:"task"`
	// NextTaskID is the first open task created for the same user.
	NextTaskID *int64 `json:"next_task_id,omitempty"`
}

// guard takes the in-process task lock and the database lease on taskID.
func (e Engine) guard(ctx context.Context, taskID int64) (func(), error) {
	if _, err := e.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	inProgress := &Error{Kind: KindCompletionInProgress, Message: fmt.Sprintf("task %d completion in progress", taskID), TaskID: taskID}
	unlock, ok := e.Locks.TryLock(taskKey(taskID))
	if !ok {
		return nil, inProgress
	}
	now := e.now()
	lease := repo.TaskLock{
		TaskID:     taskID,
		Token:      uuid.NewString(),
		AcquiredAt: domain.FormatTime(now),
		ExpiresAt:  domain.FormatTime(now.Add(e.lockTTL())),
	}
	tx, err := db.BeginTx(ctx, e.DB)
	if err != nil {
		unlock()
		return nil, err
	}
	acquired, err := e.Repo.WithTx(tx).AcquireTaskLock(ctx, lease)
	if err != nil {
		_ = tx.Rollback()
		unlock()
		return nil, fmt.Errorf("acquire task lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		unlock()
		return nil, err
	}
	if !acquired {
		unlock()
		return nil, inProgress
	}
	return func() {
		if err := e.Repo.ReleaseTaskLock(context.Background(), taskID, lease.Token); err != nil {
			e.log().Warn("release task lease", zap.Int64("task_id", taskID), zap.Error(err))
		}
		unlock()
	}, nil
}

// Complete submits a task and runs traversal from it.
func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (CompleteResult, error) {
	ctx, span := e.tracer().Start(ctx, "engine.Complete", trace.WithAttributes(
		attribute.Int64("task.id", opts.TaskID),
		attribute.Int64("user.id", opts.UserID),
	))
	defer span.End()
	log := e.log().With(zap.Int64("task_id", opts.TaskID), zap.Int64("user_id", opts.UserID))

	release, err := e.guard(ctx, opts.TaskID)
	if err != nil {
		log.Debug("completion refused", zap.Error(err))
		return CompleteResult{}, err
	}
	defer release()

	res, err := e.complete(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics().completed(ctx, string(KindOf(err)))
		e.afterFailure(ctx, err)
		log.Info("completion failed", zap.Error(err))
		return res, err
	}
	outcome := "completed"
	if !res.Task.Complete {
		outcome = "reopened"
	}
	e.metrics().completed(ctx, outcome)
	log.Info("task completed", zap.Int64("stage_id", res.Task.StageID), zap.String("outcome", outcome))
	return res, nil
}

func (e Engine) complete(ctx context.Context, opts CompleteOptions) (CompleteResult, error) {
	rn, err := e.begin(ctx, opts.UserID)
	if err != nil {
		return CompleteResult{}, err
	}
	defer rn.tx.Rollback()

	task, err := e.loadTask(ctx, rn, opts.TaskID)
	if err != nil {
		return CompleteResult{}, err
	}
	stage, err := rn.stage(ctx, task.StageID)
	if err != nil {
		return CompleteResult{}, err
	}
	if !stage.IsTask() {
		return CompleteResult{}, validation("", "stage %d is not a task-stage", stage.ID)
	}
	chain, err := rn.r.GetChain(ctx, stage.ChainID)
	if err != nil {
		return CompleteResult{}, err
	}
	if task.ForceComplete || (task.Complete && !(chain.IsIndividual && task.Reopened)) {
		return CompleteResult{}, &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already completed", task.ID), TaskID: task.ID}
	}
	if !task.AssignedTo(opts.UserID) {
		return CompleteResult{}, forbidden(task.ID, "task %d is not assigned to user %d", task.ID, opts.UserID)
	}
	if !task.Available(e.now()) {
		return CompleteResult{}, validation("", "task %d is outside its availability window", task.ID)
	}
	if err := e.Auth.CanSubmit(ctx, rn.r, opts.UserID, stage.ID); err != nil {
		return CompleteResult{}, err
	}
	if opts.Responses != nil {
		if err := e.replaceResponses(ctx, rn, &task, opts.Responses); err != nil {
			return CompleteResult{}, err
		}
	}
	if err := validateResponses(stage.Task.JSONSchema, task.Responses); err != nil {
		err.TaskID = task.ID
		err.StageID = stage.ID
		return CompleteResult{}, err
	}
	task.Complete = true
	if !chain.IsIndividual {
		task.Reopened = false
	}
	if err := e.updateTask(ctx, rn, &task); err != nil {
		return CompleteResult{}, err
	}
	if err := e.emit(ctx, rn, events.TaskCompleted, stage.ID, "task", task.ID, nil); err != nil {
		return CompleteResult{}, err
	}
	if err := e.processCompleted(ctx, rn, task); err != nil {
		var ee *Error
		if errors.As(err, &ee) && ee.commit {
			if cerr := rn.tx.Commit(); cerr != nil {
				return CompleteResult{}, cerr
			}
		}
		return CompleteResult{}, err
	}
	if err := rn.tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	final, err := e.GetTask(ctx, task.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Task: final, NextTaskID: rn.next}, nil
}

// ForceComplete closes a task without traversal. Force completed tasks never count toward awards.
func (e Engine) ForceComplete(ctx context.Context, userID, taskID int64) (domain.Task, error) {
	t, err := e.withTask(ctx, userID, taskID, func(rn *run, t *domain.Task, s domain.Stage) error {
		if t.ForceComplete {
			return &Error{Kind: KindAlreadyCompleted, Message: fmt.Sprintf("task %d already force completed", t.ID), TaskID: t.ID}
		}
		t.Complete = true
		t.ForceComplete = true
		t.Reopened = false
		if err := e.updateTask(ctx, rn, t); err != nil {
			return err
		}
		return e.emit(ctx, rn, events.TaskForceCompleted, s.ID, "task", t.ID, nil)
	})
	if err == nil {
		e.metrics().completed(ctx, "forced")
	}
	return t, err
}

// processCompleted runs everything a completion triggers, in order: quiz,
// direct-next, outgoing stages, auto notifications, awards, then the
// traversal of successors that completed on creation.
func (e Engine) processCompleted(ctx context.Context, rn *run, task domain.Task) error {
	if rn.depth >= e.maxDepth() {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("traversal depth %d exceeded at task %d", rn.depth, task.ID), TaskID: task.ID, StageID: task.StageID, Durable: true}
	}
	rn.depth++
	defer func() { rn.depth-- }()

	ctx, span := e.tracer().Start(ctx, "engine.processCompleted", trace.WithAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.Int64("stage.id", task.StageID),
	))
	defer span.End()

	stage, err := rn.stage(ctx, task.StageID)
	if err != nil {
		return err
	}

	passed, err := e.scoreQuiz(ctx, rn, &task, stage)
	if err != nil || !passed {
		return err
	}

	stop, err := e.directNext(ctx, rn, task, stage)
	if err != nil || stop {
		return err
	}

	onward, err := e.traverse(ctx, rn, task, stage, 0)
	if err != nil {
		return err
	}

	e.autoNotify(ctx, rn, task, stage)

	halted, err := e.evaluateAwards(ctx, rn, task, stage)
	if err != nil {
		return err
	}
	if halted {
		if len(onward) > 0 {
			e.log().Info("award stopped chain", zap.Int64("task_id", task.ID), zap.Int("dropped", len(onward)))
		}
		return nil
	}
	for _, next := range onward {
		if err := e.processCompleted(ctx, rn, next); err != nil {
			return err
		}
	}
	return nil
}

// scoreQuiz applies the stage quiz. It reports false when the task was
// returned to its assignee for scoring below threshold.
func (e Engine) scoreQuiz(ctx context.Context, rn *run, task *domain.Task, stage domain.Stage) (bool, error) {
	qz, err := rn.r.GetQuiz(ctx, stage.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	ref, err := rn.r.GetTask(ctx, qz.ReferenceTaskID)
	if err != nil {
		return false, notFound("reference task", qz.ReferenceTaskID, err)
	}
	res := quiz.Score(task.Responses, ref.Responses)
	task.Responses.Merge(res.Metadata(stage.Task.JSONSchema, qz.FormatIncorrect))
	passed := res.Passed(qz.Threshold)
	if !passed {
		task.Complete = false
		task.Reopened = true
	}
	if err := e.updateTask(ctx, rn, task); err != nil {
		return false, err
	}
	if !passed {
		if err := e.emit(ctx, rn, events.TaskReopened, stage.ID, "task", task.ID, events.EventPayload{"reason": "quiz", "score": res.Score}); err != nil {
			return false, err
		}
	}
	return passed, nil
}

// directNext reopens the single successor of a task whose stage and task
// fanout are one on both sides. It reports true when traversal should stop.
func (e Engine) directNext(ctx context.Context, rn *run, task domain.Task, stage domain.Stage) (bool, error) {
	outTasks, err := rn.r.OutTasks(ctx, task.ID)
	if err != nil || len(outTasks) != 1 {
		return false, err
	}
	next := outTasks[0]
	if len(next.InTasks) != 1 {
		return false, nil
	}
	outStages, err := rn.r.OutStageIDs(ctx, stage.ID)
	if err != nil || len(outStages) != 1 || outStages[0] != next.StageID {
		return false, err
	}
	inStages, err := rn.r.InStageIDs(ctx, next.StageID)
	if err != nil || len(inStages) != 1 {
		return false, err
	}
	next.Complete = false
	next.Reopened = true
	if err := e.updateTask(ctx, rn, &next); err != nil {
		return false, err
	}
	if err := e.emit(ctx, rn, events.TaskReopened, next.StageID, "task", next.ID, events.EventPayload{"reason": "direct_next", "from_task_id": task.ID}); err != nil {
		return false, err
	}
	rn.handOff(next)
	return true, nil
}
