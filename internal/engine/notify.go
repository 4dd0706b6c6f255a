package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

func (e Engine) notify(ctx context.Context, rn *run, n domain.Notification) (domain.Notification, error) {
	n.CreatedAt = e.stamp()
	n, err := rn.r.InsertNotification(ctx, n)
	if err != nil {
		return n, fmt.Errorf("insert notification: %w", err)
	}
	payload := events.EventPayload{"title": n.Title}
	if n.TargetUserID != nil {
		payload["target_user_id"] = *n.TargetUserID
	}
	if n.TargetRankID != nil {
		payload["target_rank_id"] = *n.TargetRankID
	}
	if err := e.Events.Append(ctx, rn.tx, events.NotificationCreated, n.CampaignID, "notification", n.ID, rn.userID, payload); err != nil {
		return n, err
	}
	return n, nil
}

// direction classifies a completion for auto-notification templates.
func (e Engine) direction(ctx context.Context, rn *run, task domain.Task) (domain.Direction, bool, error) {
	outTasks, err := rn.r.OutTasks(ctx, task.ID)
	if err != nil {
		return "", false, err
	}
	ins, err := rn.r.TasksByIDs(ctx, task.InTasks)
	if err != nil {
		return "", false, err
	}
	allComplete := true
	for _, t := range ins {
		if !t.Complete {
			allComplete = false
		}
	}
	if len(outTasks) > 0 && allComplete {
		return domain.DirectionForward, true, nil
	}
	if len(ins) > 0 {
		last := ins[len(ins)-1]
		if !last.Complete && last.Reopened {
			return domain.DirectionBackward, true, nil
		}
		return domain.DirectionLastOne, true, nil
	}
	inStages, err := rn.r.InStageIDs(ctx, task.StageID)
	if err != nil {
		return "", false, err
	}
	if len(inStages) == 0 && len(outTasks) == 0 {
		return domain.DirectionLastOne, true, nil
	}
	return "", false, nil
}

// autoNotify emits the stage's auto notifications. Failures are logged and
// never abort the completion.
func (e Engine) autoNotify(ctx context.Context, rn *run, task domain.Task, stage domain.Stage) {
	log := e.log().With(zap.Int64("task_id", task.ID), zap.Int64("stage_id", stage.ID))
	if task.CaseID == nil {
		return
	}
	dir, ok, err := e.direction(ctx, rn, task)
	if err != nil {
		log.Warn("auto notification direction", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	templates, err := rn.r.AutoNotificationsFor(ctx, stage.ID, dir)
	if err != nil {
		log.Warn("auto notification templates", zap.Error(err))
		return
	}
	for _, an := range templates {
		recipient, err := rn.r.LatestCaseTask(ctx, *task.CaseID, an.RecipientStageID, repo.LatestFilter{})
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				log.Warn("auto notification recipient", zap.Int64("auto_notification_id", an.ID), zap.Error(err))
			}
			continue
		}
		if recipient.AssigneeID == nil {
			continue
		}
		_, err = e.notify(ctx, rn, domain.Notification{
			CampaignID:   rn.campaignOf(ctx, stage.ID),
			Title:        an.Title,
			Text:         an.Text,
			TargetUserID: copyID(recipient.AssigneeID),
			SenderTaskID: int64Ptr(task.ID),
		})
		if err != nil {
			log.Warn("auto notification", zap.Int64("auto_notification_id", an.ID), zap.Error(err))
		}
	}
}

type SendNotificationOptions struct {
	CampaignID   int64
	Title        string
	Text         string
	TargetUserID *int64
	TargetRankID *int64
}

// SendNotification posts an operator notification to a user or to every holder of a rank.
func (e Engine) SendNotification(ctx context.Context, actorID int64, opts SendNotificationOptions) (domain.Notification, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Notification{}, validation("title", "title is required")
	}
	if (opts.TargetUserID == nil) == (opts.TargetRankID == nil) {
		return domain.Notification{}, validation("target", "exactly one of target user or target rank is required")
	}
	rn, err := e.begin(ctx, actorID)
	if err != nil {
		return domain.Notification{}, err
	}
	defer rn.tx.Rollback()
	if _, err := rn.r.GetCampaign(ctx, opts.CampaignID); err != nil {
		return domain.Notification{}, notFound("campaign", opts.CampaignID, err)
	}
	n, err := e.notify(ctx, rn, domain.Notification{
		CampaignID:   opts.CampaignID,
		Title:        opts.Title,
		Text:         opts.Text,
		TargetUserID: opts.TargetUserID,
		TargetRankID: opts.TargetRankID,
	})
	if err != nil {
		return n, err
	}
	return n, rn.tx.Commit()
}

// ListNotifications returns the user's notifications, newest first.
func (e Engine) ListNotifications(ctx context.Context, userID, campaignID int64, unreadOnly bool) ([]domain.Notification, error) {
	return e.Repo.ListUserNotifications(ctx, userID, campaignID, unreadOnly)
}

func (e Engine) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	tx, err := db.BeginTx(ctx, e.DB)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	n, err := r.GetNotification(ctx, notificationID)
	if err != nil {
		return notFound("notification", notificationID, err)
	}
	if n.TargetUserID != nil && *n.TargetUserID != userID {
		return &Error{Kind: KindForbidden, Message: fmt.Sprintf("notification %d is not addressed to user %d", n.ID, userID)}
	}
	if n.TargetRankID != nil {
		held, err := r.CountRankRecords(ctx, userID, *n.TargetRankID)
		if err != nil {
			return err
		}
		if held == 0 {
			return &Error{Kind: KindForbidden, Message: fmt.Sprintf("notification %d is not addressed to user %d", n.ID, userID)}
		}
	}
	if err := r.MarkNotificationRead(ctx, n.ID, userID, e.stamp()); err != nil {
		return err
	}
	return tx.Commit()
}
