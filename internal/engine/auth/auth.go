package auth

import (
	"context"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionSelect Action = "select"
	ActionSubmit Action = "submit"
	ActionList   Action = "list"
)

// ForbiddenError indicates no held rank permits the action on the stage.
type ForbiddenError struct {
	Action  Action
	StageID int64
	Reason  string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s on stage %d forbidden: %s", e.Action, e.StageID, e.Reason)
	}
	return fmt.Sprintf("%s on stage %d forbidden", e.Action, e.StageID)
}

// Service gates task actions through rank limits. A stage without any rank
// limit is open to everyone; otherwise the user must hold a rank whose limit
// opens the action and whose quotas are not exhausted. Zero quotas are unlimited.
type Service struct{}

func (s Service) CanCreate(ctx context.Context, r repo.Repo, userID, stageID int64) error {
	return s.check(ctx, r, ActionCreate, userID, stageID)
}

func (s Service) CanSelect(ctx context.Context, r repo.Repo, userID, stageID int64) error {
	return s.check(ctx, r, ActionSelect, userID, stageID)
}

func (s Service) CanSubmit(ctx context.Context, r repo.Repo, userID, stageID int64) error {
	return s.check(ctx, r, ActionSubmit, userID, stageID)
}

func (s Service) CanList(ctx context.Context, r repo.Repo, userID, stageID int64) error {
	return s.check(ctx, r, ActionList, userID, stageID)
}

func (s Service) check(ctx context.Context, r repo.Repo, action Action, userID, stageID int64) error {
	all, err := r.StageRankLimits(ctx, stageID)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	held, err := r.UserRankLimits(ctx, userID, stageID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		return ForbiddenError{Action: action, StageID: stageID, Reason: "no rank bound to stage"}
	}
	var open, total int
	if action == ActionCreate || action == ActionSelect {
		if open, err = r.CountUserTasks(ctx, stageID, userID, true); err != nil {
			return err
		}
		if total, err = r.CountUserTasks(ctx, stageID, userID, false); err != nil {
			return err
		}
	}
	reason := "action closed for held ranks"
	for _, l := range held {
		if !opens(l, action) {
			continue
		}
		if action == ActionCreate || action == ActionSelect {
			if l.OpenLimit > 0 && open >= l.OpenLimit {
				reason = "open task limit reached"
				continue
			}
			if l.TotalLimit > 0 && total >= l.TotalLimit {
				reason = "total task limit reached"
				continue
			}
		}
		return nil
	}
	return ForbiddenError{Action: action, StageID: stageID, Reason: reason}
}

func opens(l domain.RankLimit, action Action) bool {
	switch action {
	case ActionCreate:
		return l.IsCreationOpen
	case ActionSelect:
		return l.IsSelectionOpen
	case ActionSubmit:
		return l.IsSubmissionOpen
	case ActionList:
		return l.IsSelectionOpen && l.IsListingAllowed
	}
	return false
}
