package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

const taskColumns = `t.id,t.stage_id,t.case_id,t.assignee_id,t.responses_json,t.integrator_group,t.complete,t.force_complete,t.reopened,
t.internal_metadata_json,t.start_period,t.end_period,t.created_at,t.updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var caseID, assignee sql.NullInt64
	var responses, group, metadata, start, end sql.NullString
	var complete, force, reopened int
	if err := row.Scan(&t.ID, &t.StageID, &caseID, &assignee, &responses, &group, &complete, &force, &reopened,
		&metadata, &start, &end, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.CaseID = ptrInt64(caseID)
	t.AssigneeID = ptrInt64(assignee)
	t.Complete = complete == 1
	t.ForceComplete = force == 1
	t.Reopened = reopened == 1
	t.StartPeriod = ptrString(start)
	t.EndPeriod = ptrString(end)
	if err := unmarshalJSON(responses, &t.Responses); err != nil {
		return t, err
	}
	if t.Responses == nil {
		t.Responses = domain.Responses{}
	}
	if err := unmarshalJSON(group, &t.IntegratorGroup); err != nil {
		return t, err
	}
	if err := unmarshalJSON(metadata, &t.InternalMetadata); err != nil {
		return t, err
	}
	return t, nil
}

// GroupKey renders an integrator group in its canonical stored form.
func GroupKey(group map[string]any) (string, error) {
	if group == nil {
		group = map[string]any{}
	}
	b, err := json.Marshal(group)
	if err != nil {
		return "", fmt.Errorf("encode integrator group: %w", err)
	}
	return string(b), nil
}

func taskArgs(t domain.Task) ([]any, error) {
	responses := t.Responses
	if responses == nil {
		responses = domain.Responses{}
	}
	respJSON, err := json.Marshal(responses)
	if err != nil {
		return nil, fmt.Errorf("encode responses: %w", err)
	}
	var group any
	if t.IntegratorGroup != nil {
		key, err := GroupKey(t.IntegratorGroup)
		if err != nil {
			return nil, err
		}
		group = key
	}
	metadata, err := marshalJSON(t.InternalMetadata)
	if err != nil {
		return nil, err
	}
	return []any{
		nullableID(t.CaseID), nullableID(t.AssigneeID), string(respJSON), group,
		boolInt(t.Complete), boolInt(t.ForceComplete), boolInt(t.Reopened), metadata,
		nullableStringPtr(t.StartPeriod), nullableStringPtr(t.EndPeriod), t.UpdatedAt,
	}, nil
}

// InsertTask stores a new task together with its in-task links.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	args, err := taskArgs(t)
	if err != nil {
		return t, err
	}
	args = append([]any{t.StageID}, args...)
	args = append(args, t.CreatedAt)
	id, err := r.insert(ctx, `INSERT INTO tasks(stage_id,case_id,assignee_id,responses_json,integrator_group,complete,force_complete,reopened,
internal_metadata_json,start_period,end_period,updated_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return t, err
	}
	t.ID = id
	for _, in := range t.InTasks {
		if _, err := r.AddInTask(ctx, t.ID, in); err != nil {
			return t, err
		}
	}
	if t.Responses == nil {
		t.Responses = domain.Responses{}
	}
	return t, nil
}

// InsertIntegratorTask inserts t unless a task already holds its (stage, group) slot.
// It reports whether a row was created.
func (r Repo) InsertIntegratorTask(ctx context.Context, t domain.Task) (bool, error) {
	if t.IntegratorGroup == nil {
		return false, fmt.Errorf("integrator task requires a group")
	}
	args, err := taskArgs(t)
	if err != nil {
		return false, err
	}
	args = append([]any{t.StageID}, args...)
	args = append(args, t.CreatedAt)
	res, err := r.q().ExecContext(ctx, `INSERT INTO tasks(stage_id,case_id,assignee_id,responses_json,integrator_group,complete,force_complete,reopened,
internal_metadata_json,start_period,end_period,updated_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(stage_id, integrator_group) WHERE integrator_group IS NOT NULL DO NOTHING`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIntegratorTask returns the task holding the (stage, group) slot.
func (r Repo) GetIntegratorTask(ctx context.Context, stageID int64, groupKey string) (domain.Task, error) {
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.stage_id=? AND t.integrator_group=?`, stageID, groupKey))
	if err != nil {
		return t, err
	}
	return r.withInTasks(ctx, t)
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append(args, t.ID)
	res, err := r.q().ExecContext(ctx, `UPDATE tasks SET case_id=?, assignee_id=?, responses_json=?, integrator_group=?, complete=?, force_complete=?,
reopened=?, internal_metadata_json=?, start_period=?, end_period=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, id int64) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id=?`, id))
	if err != nil {
		return t, err
	}
	return r.withInTasks(ctx, t)
}

func (r Repo) withInTasks(ctx context.Context, t domain.Task) (domain.Task, error) {
	ids, err := r.InTaskIDs(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.InTasks = ids
	if t.InTasks == nil {
		t.InTasks = []int64{}
	}
	return t, nil
}

// AddInTask links inTaskID upstream of taskID. It reports whether the link is new.
func (r Repo) AddInTask(ctx context.Context, taskID, inTaskID int64) (bool, error) {
	res, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO task_in_tasks(task_id,in_task_id) VALUES (?,?)`, taskID, inTaskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) InTaskIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT in_task_id FROM task_in_tasks WHERE task_id=? ORDER BY in_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r Repo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i], err = r.withInTasks(ctx, res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// OutTasks returns tasks that list taskID among their in-tasks.
func (r Repo) OutTasks(ctx context.Context, taskID int64) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM task_in_tasks l JOIN tasks t ON t.id=l.task_id WHERE l.in_task_id=? ORDER BY t.id`, taskID)
}

// TasksByIDs loads tasks in id order.
func (r Repo) TasksByIDs(ctx context.Context, ids []int64) ([]domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id IN (`+placeholders(len(ids))+`) ORDER BY t.id`, int64Args(ids)...)
}

// TasksAtStageInCase returns the case's tasks at a stage in id order.
func (r Repo) TasksAtStageInCase(ctx context.Context, stageID, caseID int64) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.stage_id=? AND t.case_id=? ORDER BY t.id`, stageID, caseID)
}

func (r Repo) CountTasksAtStageInCase(ctx context.Context, stageID, caseID int64) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE stage_id=? AND case_id=?`, stageID, caseID).Scan(&n)
	return n, err
}

type LatestFilter struct {
	CompleteOnly bool
	NotForced    bool
}

// LatestCaseTask returns the most recent task at a stage within a case.
func (r Repo) LatestCaseTask(ctx context.Context, caseID, stageID int64, f LatestFilter) (domain.Task, error) {
	clauses := []string{"t.case_id=?", "t.stage_id=?"}
	if f.CompleteOnly {
		clauses = append(clauses, "t.complete=1")
	}
	if f.NotForced {
		clauses = append(clauses, "t.force_complete=0")
	}
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE `+strings.Join(clauses, " AND ")+` ORDER BY t.id DESC LIMIT 1`, caseID, stageID))
	if err != nil {
		return t, err
	}
	return r.withInTasks(ctx, t)
}

// LatestCompletedByUser returns the user's most recent completed task at a stage.
func (r Repo) LatestCompletedByUser(ctx context.Context, stageID, userID int64) (domain.Task, error) {
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.stage_id=? AND t.assignee_id=? AND t.complete=1 ORDER BY t.id DESC LIMIT 1`, stageID, userID))
	if err != nil {
		return t, err
	}
	return r.withInTasks(ctx, t)
}

// OpenTaskForUser returns an incomplete task of the user at a stage.
func (r Repo) OpenTaskForUser(ctx context.Context, stageID, userID int64) (domain.Task, error) {
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.stage_id=? AND t.assignee_id=? AND t.complete=0 ORDER BY t.id LIMIT 1`, stageID, userID))
	if err != nil {
		return t, err
	}
	return r.withInTasks(ctx, t)
}

// CountUserTasks counts the user's tasks at a stage, only incomplete ones when openOnly.
func (r Repo) CountUserTasks(ctx context.Context, stageID, userID int64, openOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE stage_id=? AND assignee_id=?`
	if openOnly {
		query += ` AND complete=0`
	}
	var n int
	err := r.q().QueryRowContext(ctx, query, stageID, userID).Scan(&n)
	return n, err
}

// CountVerifiedCompletions counts cases where the user completed a completion-stage
// task that was verified by a completed verified-stage task, neither force completed.
func (r Repo) CountVerifiedCompletions(ctx context.Context, userID, completionStageID, verifiedStageID int64) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(DISTINCT c.case_id) FROM tasks c
WHERE c.stage_id=? AND c.assignee_id=? AND c.complete=1 AND c.force_complete=0 AND c.case_id IS NOT NULL
AND EXISTS (SELECT 1 FROM tasks v WHERE v.stage_id=? AND v.case_id=c.case_id AND v.complete=1 AND v.force_complete=0)`,
		completionStageID, userID, verifiedStageID).Scan(&n)
	return n, err
}

// CompletedResponses returns responses of completed tasks at a stage in id order.
func (r Repo) CompletedResponses(ctx context.Context, stageID int64) ([]domain.Responses, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT responses_json FROM tasks WHERE stage_id=? AND complete=1 AND force_complete=0 ORDER BY id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Responses
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		resp := domain.Responses{}
		if err := unmarshalJSON(raw, &resp); err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	CampaignID int64
	StageID    int64
	CaseID     int64
	AssigneeID int64
	Unassigned bool
	Complete   *bool
	Limit      int
	Cursor     int64
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	join := ""
	if f.CampaignID != 0 {
		join = ` JOIN stages s ON s.id=t.stage_id JOIN chains ch ON ch.id=s.chain_id`
		clauses = append(clauses, "ch.campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.StageID != 0 {
		clauses = append(clauses, "t.stage_id=?")
		args = append(args, f.StageID)
	}
	if f.CaseID != 0 {
		clauses = append(clauses, "t.case_id=?")
		args = append(args, f.CaseID)
	}
	if f.AssigneeID != 0 {
		clauses = append(clauses, "t.assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Unassigned {
		clauses = append(clauses, "t.assignee_id IS NULL")
	}
	if f.Complete != nil {
		clauses = append(clauses, "t.complete=?")
		args = append(args, boolInt(*f.Complete))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "t.id<?")
		args = append(args, f.Cursor)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks t` + join + where + ` ORDER BY t.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.listTasks(ctx, query, args...)
}
