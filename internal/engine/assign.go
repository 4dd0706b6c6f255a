package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// assign sets the assignee of a freshly inserted task by its stage policy.
func (e Engine) assign(ctx context.Context, rn *run, t *domain.Task, s domain.Stage, input domain.Task) error {
	switch s.Task.AssignUserBy {
	case domain.AssignByStage:
		from := s.Task.AssignUserFromStageID
		if from == nil || t.CaseID == nil {
			return nil
		}
		src, err := rn.r.LatestCaseTask(ctx, *t.CaseID, *from, repo.LatestFilter{})
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		t.AssigneeID = copyID(src.AssigneeID)
	case domain.AssignByIntegrator:
		t.AssigneeID = copyID(input.AssigneeID)
	case domain.AssignByPreviousManual:
		return e.assignPreviousManual(ctx, rn, t, s)
	}
	return nil
}

// assignPreviousManual resolves the assignee from a response field of the
// latest task at the source stage. On failure the new task is removed and
// the source task goes back to its owner for correction.
func (e Engine) assignPreviousManual(ctx context.Context, rn *run, t *domain.Task, s domain.Stage) error {
	pm := s.Task.PreviousManual
	if pm == nil || t.CaseID == nil {
		return validation("", "stage %d has no previous manual binding", s.ID)
	}
	src, err := rn.r.LatestCaseTask(ctx, *t.CaseID, pm.SourceStageID, repo.LatestFilter{})
	if errors.Is(err, repo.ErrNotFound) {
		return e.failAssignment(ctx, rn, t, s, nil, KindUserNotFound, fmt.Sprintf("no task at stage %d to read %q from", pm.SourceStageID, pm.Field))
	}
	if err != nil {
		return err
	}
	raw, _ := src.Responses.Get(pm.Field)
	user, kind, msg := e.resolveUser(ctx, rn, raw, pm.IsID)
	if kind == "" {
		ranks, err := rn.r.UserRankIDs(ctx, user.ID, rn.campaignOf(ctx, s.ID))
		if err != nil {
			return err
		}
		if len(ranks) == 0 {
			kind, msg = KindUserNotInCampaign, fmt.Sprintf("user %s is not in the campaign", user.Email)
		}
	}
	if kind != "" {
		return e.failAssignment(ctx, rn, t, s, &src, kind, msg)
	}
	t.AssigneeID = int64Ptr(user.ID)
	return nil
}

func (e Engine) resolveUser(ctx context.Context, rn *run, raw any, isID bool) (domain.User, Kind, string) {
	var (
		u   domain.User
		err error
	)
	if isID {
		id, ok := asID(raw)
		if !ok {
			return u, KindUserNotFound, fmt.Sprintf("%v is not a user id", raw)
		}
		u, err = rn.r.GetUser(ctx, id)
	} else {
		email, _ := raw.(string)
		if strings.TrimSpace(email) == "" {
			return u, KindUserNotFound, "no email given"
		}
		u, err = rn.r.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return u, KindUserNotFound, fmt.Sprintf("user %v not found", raw)
	}
	return u, "", ""
}

func (e Engine) failAssignment(ctx context.Context, rn *run, t *domain.Task, s domain.Stage, src *domain.Task, kind Kind, msg string) error {
	if err := rn.r.DeleteTask(ctx, t.ID); err != nil {
		return fmt.Errorf("delete task %d: %w", t.ID, err)
	}
	if err := e.emit(ctx, rn, events.TaskDeleted, s.ID, "task", t.ID, events.EventPayload{"reason": string(kind)}); err != nil {
		return err
	}
	out := &Error{Kind: kind, Message: msg, StageID: s.ID, commit: true}
	if src != nil {
		out.TaskID = src.ID
		if err := e.reopen(ctx, rn, *src, string(kind), t.ID); err != nil {
			return err
		}
	}
	return out
}

func asID(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	case int64:
		return x, true
	case int:
		return int64(x), true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return id, err == nil
	}
	return 0, false
}

func copyID(v *int64) *int64 {
	if v == nil {
		return nil
	}
	return int64Ptr(*v)
}
