package repo

import (
	"context"
	"database/sql"
)

// TaskLock is a completion lease on a task row.
type TaskLock struct {
	TaskID     int64
	Token      string
	AcquiredAt string
	ExpiresAt  string
}

// AcquireTaskLock takes the completion lease unless a live lease exists.
// It reports false when another holder owns an unexpired lease.
func (r Repo) AcquireTaskLock(ctx context.Context, l TaskLock) (bool, error) {
	res, err := r.q().ExecContext(ctx, `INSERT INTO task_locks(task_id,token,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET token=excluded.token, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE task_locks.expires_at < excluded.acquired_at`, l.TaskID, l.Token, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseTaskLock drops the lease if token still owns it.
func (r Repo) ReleaseTaskLock(ctx context.Context, taskID int64, token string) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM task_locks WHERE task_id=? AND token=?`, taskID, token)
	return err
}

func (r Repo) GetTaskLock(ctx context.Context, taskID int64) (TaskLock, error) {
	var l TaskLock
	err := r.q().QueryRowContext(ctx, `SELECT task_id,token,acquired_at,expires_at FROM task_locks WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.Token, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
