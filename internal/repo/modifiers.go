package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

// --- copy fields ---

func (r Repo) InsertCopyField(ctx context.Context, c domain.CopyField) (domain.CopyField, error) {
	fields, err := marshalJSON(c.Fields)
	if err != nil {
		return c, err
	}
	if len(c.Fields) == 0 {
		fields = nil
	}
	id, err := r.insert(ctx, `INSERT INTO copy_fields(stage_id,copy_from_stage_id,scope,copy_all,fields_json) VALUES (?,?,?,?,?)`,
		c.StageID, c.CopyFromStageID, string(c.Scope), boolInt(c.CopyAll), fields)
	if err != nil {
		return c, err
	}
	c.ID = id
	return c, nil
}

func (r Repo) StageCopyFields(ctx context.Context, stageID int64) ([]domain.CopyField, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,stage_id,copy_from_stage_id,scope,copy_all,fields_json FROM copy_fields WHERE stage_id=? ORDER BY id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CopyField
	for rows.Next() {
		var c domain.CopyField
		var scope string
		var copyAll int
		var fields sql.NullString
		if err := rows.Scan(&c.ID, &c.StageID, &c.CopyFromStageID, &scope, &copyAll, &fields); err != nil {
			return nil, err
		}
		c.Scope = domain.CopyScope(scope)
		c.CopyAll = copyAll == 1
		if err := unmarshalJSON(fields, &c.Fields); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- integrations ---

func (r Repo) UpsertIntegration(ctx context.Context, in domain.Integration) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO integrations(stage_id,group_by) VALUES (?,?)
ON CONFLICT(stage_id) DO UPDATE SET group_by=excluded.group_by`, in.StageID, strings.Join(in.GroupBy, " "))
	return err
}

// GetIntegration returns the stage's integrator binding. Group fields are stored whitespace separated.
func (r Repo) GetIntegration(ctx context.Context, stageID int64) (domain.Integration, error) {
	var in domain.Integration
	var groupBy string
	err := r.q().QueryRowContext(ctx, `SELECT stage_id,group_by FROM integrations WHERE stage_id=?`, stageID).Scan(&in.StageID, &groupBy)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	in.GroupBy = strings.Fields(groupBy)
	return in, err
}

// --- quizzes ---

func (r Repo) UpsertQuiz(ctx context.Context, q domain.Quiz) error {
	var threshold any
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	_, err := r.q().ExecContext(ctx, `INSERT INTO quizzes(stage_id,reference_task_id,threshold,format_incorrect) VALUES (?,?,?,?)
ON CONFLICT(stage_id) DO UPDATE SET reference_task_id=excluded.reference_task_id, threshold=excluded.threshold, format_incorrect=excluded.format_incorrect`,
		q.StageID, q.ReferenceTaskID, threshold, boolInt(q.FormatIncorrect))
	return err
}

func (r Repo) GetQuiz(ctx context.Context, stageID int64) (domain.Quiz, error) {
	var q domain.Quiz
	var threshold sql.NullInt64
	var format int
	err := r.q().QueryRowContext(ctx, `SELECT stage_id,reference_task_id,threshold,format_incorrect FROM quizzes WHERE stage_id=?`, stageID).
		Scan(&q.StageID, &q.ReferenceTaskID, &threshold, &format)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		q.Threshold = &v
	}
	q.FormatIncorrect = format == 1
	return q, err
}

// --- dynamic json ---

func (r Repo) InsertDynamicJSON(ctx context.Context, d domain.DynamicJSON) (domain.DynamicJSON, error) {
	var foreign any
	if len(d.Foreign) > 0 {
		var err error
		if foreign, err = marshalJSON(d.Foreign); err != nil {
			return d, err
		}
	}
	id, err := r.insert(ctx, `INSERT INTO dynamic_jsons(target_stage_id,source_stage_id,main,foreign_json,count,webhook_url,obtain_options_from_stage) VALUES (?,?,?,?,?,?,?)`,
		d.TargetStageID, nullableID(d.SourceStageID), d.Main, foreign, d.Count, nullable(d.WebhookURL), boolInt(d.ObtainOptionsFromStage))
	if err != nil {
		return d, err
	}
	d.ID = id
	return d, nil
}

func (r Repo) StageDynamicJSONs(ctx context.Context, stageID int64) ([]domain.DynamicJSON, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,target_stage_id,source_stage_id,main,foreign_json,count,COALESCE(webhook_url,''),obtain_options_from_stage
FROM dynamic_jsons WHERE target_stage_id=? ORDER BY id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DynamicJSON
	for rows.Next() {
		var d domain.DynamicJSON
		var source sql.NullInt64
		var foreign sql.NullString
		var obtain int
		if err := rows.Scan(&d.ID, &d.TargetStageID, &source, &d.Main, &foreign, &d.Count, &d.WebhookURL, &obtain); err != nil {
			return nil, err
		}
		d.SourceStageID = ptrInt64(source)
		d.ObtainOptionsFromStage = obtain == 1
		if err := unmarshalJSON(foreign, &d.Foreign); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- datetime sorts ---

func (r Repo) UpsertDatetimeSort(ctx context.Context, d domain.DatetimeSort) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO datetime_sorts(stage_id,start_time,end_time,how_much_hours,after_how_much_hours) VALUES (?,?,?,?,?)
ON CONFLICT(stage_id) DO UPDATE SET start_time=excluded.start_time, end_time=excluded.end_time,
how_much_hours=excluded.how_much_hours, after_how_much_hours=excluded.after_how_much_hours`,
		d.StageID, nullableStringPtr(d.StartTime), nullableStringPtr(d.EndTime), d.HowMuchHours, d.AfterHowMuchHours)
	return err
}

func (r Repo) GetDatetimeSort(ctx context.Context, stageID int64) (domain.DatetimeSort, error) {
	var d domain.DatetimeSort
	var start, end sql.NullString
	err := r.q().QueryRowContext(ctx, `SELECT stage_id,start_time,end_time,how_much_hours,after_how_much_hours FROM datetime_sorts WHERE stage_id=?`, stageID).
		Scan(&d.StageID, &start, &end, &d.HowMuchHours, &d.AfterHowMuchHours)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.StartTime = ptrString(start)
	d.EndTime = ptrString(end)
	return d, err
}

// --- auto notifications ---

func (r Repo) InsertAutoNotification(ctx context.Context, a domain.AutoNotification) (domain.AutoNotification, error) {
	id, err := r.insert(ctx, `INSERT INTO auto_notifications(trigger_stage_id,recipient_stage_id,direction,title,text) VALUES (?,?,?,?,?)`,
		a.TriggerStageID, a.RecipientStageID, string(a.Direction), a.Title, nullable(a.Text))
	if err != nil {
		return a, err
	}
	a.ID = id
	return a, nil
}

// AutoNotificationsFor returns templates triggered at a stage in a direction.
func (r Repo) AutoNotificationsFor(ctx context.Context, triggerStageID int64, dir domain.Direction) ([]domain.AutoNotification, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,trigger_stage_id,recipient_stage_id,direction,title,COALESCE(text,'') FROM auto_notifications
WHERE trigger_stage_id=? AND direction=? ORDER BY id`, triggerStageID, string(dir))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutoNotification
	for rows.Next() {
		var a domain.AutoNotification
		var d string
		if err := rows.Scan(&a.ID, &a.TriggerStageID, &a.RecipientStageID, &d, &a.Title, &a.Text); err != nil {
			return nil, err
		}
		a.Direction = domain.Direction(d)
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- task awards ---

func (r Repo) InsertTaskAward(ctx context.Context, a domain.TaskAward) (domain.TaskAward, error) {
	id, err := r.insert(ctx, `INSERT INTO task_awards(completion_stage_id,verified_stage_id,rank_id,count,stop_chain,notification_title,notification_text) VALUES (?,?,?,?,?,?,?)`,
		a.CompletionStageID, a.VerifiedStageID, a.RankID, a.Count, boolInt(a.StopChain), nullable(a.NotificationTitle), nullable(a.NotificationText))
	if err != nil {
		return a, err
	}
	a.ID = id
	return a, nil
}

// AwardsVerifiedAt returns awards whose verified stage is stageID.
func (r Repo) AwardsVerifiedAt(ctx context.Context, stageID int64) ([]domain.TaskAward, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,completion_stage_id,verified_stage_id,rank_id,count,stop_chain,COALESCE(notification_title,''),COALESCE(notification_text,'')
FROM task_awards WHERE verified_stage_id=? ORDER BY id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAward
	for rows.Next() {
		var a domain.TaskAward
		var stop int
		if err := rows.Scan(&a.ID, &a.CompletionStageID, &a.VerifiedStageID, &a.RankID, &a.Count, &stop, &a.NotificationTitle, &a.NotificationText); err != nil {
			return nil, err
		}
		a.StopChain = stop == 1
		res = append(res, a)
	}
	return res, rows.Err()
}
