package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	id, err := r.insert(ctx, `INSERT INTO notifications(campaign_id,title,text,target_user_id,target_rank_id,sender_task_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.CampaignID, n.Title, nullable(n.Text), nullableID(n.TargetUserID), nullableID(n.TargetRankID), nullableID(n.SenderTaskID), n.CreatedAt)
	if err != nil {
		return n, err
	}
	n.ID = id
	return n, nil
}

// ListUserNotifications returns notifications addressed to the user directly or
// through a rank the user holds, newest first, with the user's read stamp.
func (r Repo) ListUserNotifications(ctx context.Context, userID, campaignID int64, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT n.id,n.campaign_id,n.title,COALESCE(n.text,''),n.target_user_id,n.target_rank_id,n.sender_task_id,ns.read_at,n.created_at
FROM notifications n
LEFT JOIN notification_statuses ns ON ns.notification_id=n.id AND ns.user_id=?
WHERE (n.target_user_id=? OR n.target_rank_id IN (SELECT rank_id FROM rank_records WHERE user_id=?))`
	args := []any{userID, userID, userID}
	if campaignID != 0 {
		query += ` AND n.campaign_id=?`
		args = append(args, campaignID)
	}
	if unreadOnly {
		query += ` AND ns.read_at IS NULL`
	}
	query += ` ORDER BY n.id DESC`
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var targetUser, targetRank, sender sql.NullInt64
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &n.CampaignID, &n.Title, &n.Text, &targetUser, &targetRank, &sender, &readAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.TargetUserID = ptrInt64(targetUser)
		n.TargetRankID = ptrInt64(targetRank)
		n.SenderTaskID = ptrInt64(sender)
		n.ReadAt = ptrString(readAt)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) GetNotification(ctx context.Context, id int64) (domain.Notification, error) {
	var n domain.Notification
	var targetUser, targetRank, sender sql.NullInt64
	err := r.q().QueryRowContext(ctx, `SELECT id,campaign_id,title,COALESCE(text,''),target_user_id,target_rank_id,sender_task_id,created_at FROM notifications WHERE id=?`, id).
		Scan(&n.ID, &n.CampaignID, &n.Title, &n.Text, &targetUser, &targetRank, &sender, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	n.TargetUserID = ptrInt64(targetUser)
	n.TargetRankID = ptrInt64(targetRank)
	n.SenderTaskID = ptrInt64(sender)
	return n, err
}

// MarkNotificationRead stamps the notification as read by the user once.
func (r Repo) MarkNotificationRead(ctx context.Context, notificationID, userID int64, now string) error {
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO notification_statuses(notification_id,user_id,read_at) VALUES (?,?,?)`, notificationID, userID, now)
	return err
}

// CountTaskNotifications counts notifications sent on behalf of a task.
func (r Repo) CountTaskNotifications(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE sender_task_id=?`, taskID).Scan(&n)
	return n, err
}
