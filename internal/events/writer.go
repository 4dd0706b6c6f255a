package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/domain"
)

// Event types appended by the engine.
const (
	CaseCreated         = "case.created"
	TaskCreated         = "task.created"
	TaskCompleted       = "task.completed"
	TaskForceCompleted  = "task.force_completed"
	TaskReopened        = "task.reopened"
	TaskUncompleted     = "task.uncompleted"
	TaskAssigned        = "task.assigned"
	TaskReleased        = "task.released"
	TaskDeleted         = "task.deleted"
	TaskIntegrated      = "task.integrated"
	ResponsesUpdated    = "responses.updated"
	WebhookApplied      = "webhook.applied"
	RankGranted         = "rank.granted"
	NotificationCreated = "notification.created"
	CampaignImported    = "campaign.imported"
	ErrorRecorded       = "error.recorded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w Writer) Append(ctx context.Context, ex Execer, evtType string, campaignID int64, entityKind string, entityID, actorID int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		ex = w.DB
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,campaign_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullableID(campaignID), entityKind, nullableID(entityID), nullableID(actorID), string(data))
	return err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
