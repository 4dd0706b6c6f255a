package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// evaluateAwards grants the awards verified by task. It reports whether a
// new grant asked to stop the chain.
func (e Engine) evaluateAwards(ctx context.Context, rn *run, task domain.Task, stage domain.Stage) (bool, error) {
	if task.CaseID == nil || task.ForceComplete {
		return false, nil
	}
	awards, err := rn.r.AwardsVerifiedAt(ctx, stage.ID)
	if err != nil || len(awards) == 0 {
		return false, err
	}
	halt := false
	for _, a := range awards {
		src, err := rn.r.LatestCaseTask(ctx, *task.CaseID, a.CompletionStageID, repo.LatestFilter{CompleteOnly: true, NotForced: true})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if src.AssigneeID == nil {
			continue
		}
		user := *src.AssigneeID
		n, err := rn.r.CountVerifiedCompletions(ctx, user, a.CompletionStageID, a.VerifiedStageID)
		if err != nil {
			return false, err
		}
		if n != a.Count {
			continue
		}
		granted, err := e.grant(ctx, rn, user, a.RankID, "award")
		if err != nil {
			return false, err
		}
		if !granted {
			continue
		}
		if a.NotificationTitle != "" {
			note := domain.Notification{
				CampaignID:   rn.campaignOf(ctx, stage.ID),
				Title:        a.NotificationTitle,
				Text:         a.NotificationText,
				TargetUserID: int64Ptr(user),
				SenderTaskID: int64Ptr(task.ID),
			}
			if _, err := e.notify(ctx, rn, note); err != nil {
				return false, err
			}
		}
		halt = halt || a.StopChain
	}
	return halt, nil
}

// grant records rankID for user and derives the ranks it unlocks.
func (e Engine) grant(ctx context.Context, rn *run, user, rankID int64, reason string) (bool, error) {
	granted, err := rn.r.GrantRank(ctx, user, rankID, e.stamp())
	if err != nil || !granted {
		return false, err
	}
	rk, err := rn.r.GetRank(ctx, rankID)
	if err != nil {
		return false, notFound("rank", rankID, err)
	}
	campaignID, err := e.onGranted(ctx, rn, user, rk, reason)
	if err != nil {
		return false, err
	}
	return true, e.deriveRanks(ctx, rn, user, campaignID)
}

func (e Engine) onGranted(ctx context.Context, rn *run, user int64, rk domain.Rank, reason string) (int64, error) {
	campaignID, err := rn.r.CampaignOfTrack(ctx, rk.TrackID)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, rn.tx, events.RankGranted, campaignID, "rank", rk.ID, rn.userID, events.EventPayload{"user_id": user, "reason": reason}); err != nil {
		return 0, err
	}
	e.metrics().granted(ctx)
	e.log().Info("rank granted", zap.Int64("user_id", user), zap.String("rank", rk.Name), zap.String("reason", reason))
	return campaignID, nil
}

// deriveRanks grants every rank whose prerequisites the user now holds, to a fixpoint.
func (e Engine) deriveRanks(ctx context.Context, rn *run, user, campaignID int64) error {
	ranks, err := rn.r.ListCampaignRanks(ctx, campaignID)
	if err != nil {
		return err
	}
	for {
		ids, err := rn.r.UserRankIDs(ctx, user, campaignID)
		if err != nil {
			return err
		}
		held := make(map[int64]bool, len(ids))
		for _, id := range ids {
			held[id] = true
		}
		changed := false
		for _, rk := range ranks {
			if held[rk.ID] || len(rk.Prerequisites) == 0 || !all(rk.Prerequisites, held) {
				continue
			}
			granted, err := rn.r.GrantRank(ctx, user, rk.ID, e.stamp())
			if err != nil {
				return err
			}
			if granted {
				if _, err := e.onGranted(ctx, rn, user, rk, "prerequisites"); err != nil {
					return err
				}
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
}

func all(ids []int64, held map[int64]bool) bool {
	for _, id := range ids {
		if !held[id] {
			return false
		}
	}
	return true
}
