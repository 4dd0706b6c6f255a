package domain

import "time"

// TimeLayout is the storage layout for every timestamp. It sorts lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Campaign struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Chain struct {
	ID           int64  `json:"id"`
	CampaignID   int64  `json:"campaign_id"`
	Name         string `json:"name"`
	IsIndividual bool   `json:"is_individual"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Track struct {
	ID            int64  `json:"id"`
	CampaignID    int64  `json:"campaign_id"`
	Name          string `json:"name"`
	DefaultRankID *int64 `json:"default_rank_id,omitempty"`
}

type Rank struct {
	ID            int64   `json:"id"`
	TrackID       int64   `json:"track_id"`
	Name          string  `json:"name"`
	Prerequisites []int64 `json:"prerequisites,omitempty"`
}

// RankLimit binds a rank to a task-stage with per-user quotas. Zero limits are unlimited.
type RankLimit struct {
	ID               int64 `json:"id"`
	RankID           int64 `json:"rank_id"`
	StageID          int64 `json:"stage_id"`
	OpenLimit        int   `json:"open_limit"`
	TotalLimit       int   `json:"total_limit"`
	IsCreationOpen   bool  `json:"is_creation_open"`
	IsSelectionOpen  bool  `json:"is_selection_open"`
	IsSubmissionOpen bool  `json:"is_submission_open"`
	IsListingAllowed bool  `json:"is_listing_allowed"`
}

type RankRecord struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	RankID    int64  `json:"rank_id"`
	RankName  string `json:"rank_name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Case struct {
	ID        int64  `json:"id"`
	ChainID   int64  `json:"chain_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               int64          `json:"id"`
	StageID          int64          `json:"stage_id"`
	CaseID           *int64         `json:"case_id,omitempty"`
	AssigneeID       *int64         `json:"assignee_id,omitempty"`
	Responses        Responses      `json:"responses"`
	IntegratorGroup  map[string]any `json:"integrator_group,omitempty"`
	Complete         bool           `json:"complete"`
	ForceComplete    bool           `json:"force_complete"`
	Reopened         bool           `json:"reopened"`
	InTasks          []int64        `json:"in_tasks"`
	InternalMetadata map[string]any `json:"internal_metadata,omitempty"`
	StartPeriod      *string        `json:"start_period,omitempty" format:"date-time"`
	EndPeriod        *string        `json:"end_period,omitempty" format:"date-time"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// AssignedTo reports whether the task is owned by userID.
func (t Task) AssignedTo(userID int64) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// Available reports whether now falls inside the task's availability window.
func (t Task) Available(now time.Time) bool {
	stamp := FormatTime(now)
	if t.StartPeriod != nil && stamp < *t.StartPeriod {
		return false
	}
	if t.EndPeriod != nil && stamp > *t.EndPeriod {
		return false
	}
	return true
}

type CopyScope string

const (
	CopyScopeUser CopyScope = "USER"
	CopyScopeCase CopyScope = "CASE"
)

// CopyField imports fields from a predecessor task into a new task at StageID.
type CopyField struct {
	ID              int64             `json:"id"`
	StageID         int64             `json:"stage_id"`
	CopyFromStageID int64             `json:"copy_from_stage_id"`
	Scope           CopyScope         `json:"scope" enum:"USER,CASE"`
	CopyAll         bool              `json:"copy_all"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// Integration marks a task-stage as an integrator grouping by GroupBy fields.
type Integration struct {
	StageID int64    `json:"stage_id"`
	GroupBy []string `json:"group_by"`
}

type Quiz struct {
	StageID         int64 `json:"stage_id"`
	ReferenceTaskID int64 `json:"reference_task_id"`
	Threshold       *int  `json:"threshold,omitempty"`
	FormatIncorrect bool  `json:"format_incorrect"`
}

type DynamicJSON struct {
	ID                     int64    `json:"id"`
	TargetStageID          int64    `json:"target_stage_id"`
	SourceStageID          *int64   `json:"source_stage_id,omitempty"`
	Main                   string   `json:"main"`
	Foreign                []string `json:"foreign,omitempty"`
	Count                  int      `json:"count"`
	WebhookURL             string   `json:"webhook_url,omitempty"`
	ObtainOptionsFromStage bool     `json:"obtain_options_from_stage"`
}

// DatetimeSort is the availability window modifier of a task-stage.
type DatetimeSort struct {
	StageID           int64   `json:"stage_id"`
	StartTime         *string `json:"start_time,omitempty"`
	EndTime           *string `json:"end_time,omitempty"`
	HowMuchHours      float64 `json:"how_much_hours"`
	AfterHowMuchHours float64 `json:"after_how_much_hours"`
}

// Window computes the start and end period of a task created at now.
func (d DatetimeSort) Window(now time.Time) (start, end *string) {
	var startAt time.Time
	switch {
	case d.StartTime != nil:
		if t, err := ParseTime(*d.StartTime); err == nil {
			startAt = t
		}
	default:
		startAt = now.Add(time.Duration(d.AfterHowMuchHours * float64(time.Hour)))
	}
	if !startAt.IsZero() {
		s := FormatTime(startAt)
		start = &s
	}
	switch {
	case d.EndTime != nil:
		e := *d.EndTime
		end = &e
	case d.HowMuchHours > 0 && !startAt.IsZero():
		e := FormatTime(startAt.Add(time.Duration(d.HowMuchHours * float64(time.Hour))))
		end = &e
	}
	return start, end
}

type Direction string

const (
	DirectionForward  Direction = "FORWARD"
	DirectionBackward Direction = "BACKWARD"
	DirectionLastOne  Direction = "LAST_ONE"
)

type AutoNotification struct {
	ID               int64     `json:"id"`
	TriggerStageID   int64     `json:"trigger_stage_id"`
	RecipientStageID int64     `json:"recipient_stage_id"`
	Direction        Direction `json:"direction" enum:"FORWARD,BACKWARD,LAST_ONE"`
	Title            string    `json:"title"`
	Text             string    `json:"text,omitempty"`
}

type Notification struct {
	ID           int64   `json:"id"`
	CampaignID   int64   `json:"campaign_id"`
	Title        string  `json:"title"`
	Text         string  `json:"text,omitempty"`
	TargetUserID *int64  `json:"target_user_id,omitempty"`
	TargetRankID *int64  `json:"target_rank_id,omitempty"`
	SenderTaskID *int64  `json:"sender_task_id,omitempty"`
	ReadAt       *string `json:"read_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type TaskAward struct {
	ID                int64  `json:"id"`
	CompletionStageID int64  `json:"completion_stage_id"`
	VerifiedStageID   int64  `json:"verified_stage_id"`
	RankID            int64  `json:"rank_id"`
	Count             int    `json:"count"`
	StopChain         bool   `json:"stop_chain"`
	NotificationTitle string `json:"notification_title,omitempty"`
	NotificationText  string `json:"notification_text,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CampaignID int64  `json:"campaign_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}
