package domain

type StageKind string

const (
	StageKindTask        StageKind = "task"
	StageKindConditional StageKind = "conditional"
)

type AssignPolicy string

const (
	AssignByRank           AssignPolicy = "RANK"
	AssignByStage          AssignPolicy = "STAGE"
	AssignAutoComplete     AssignPolicy = "AUTO_COMPLETE"
	AssignByIntegrator     AssignPolicy = "INTEGRATOR"
	AssignByPreviousManual AssignPolicy = "PREVIOUS_MANUAL"
)

// Valid reports whether p is a known policy.
func (p AssignPolicy) Valid() bool {
	switch p {
	case AssignByRank, AssignByStage, AssignAutoComplete, AssignByIntegrator, AssignByPreviousManual:
		return true
	}
	return false
}

// Stage is a node of a chain. Exactly one of Task or Conditional is set, matching Kind.
type Stage struct {
	ID          int64             `json:"id"`
	ChainID     int64             `json:"chain_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Kind        StageKind         `json:"kind" enum:"task,conditional"`
	Task        *TaskStage        `json:"task,omitempty"`
	Conditional *ConditionalStage `json:"conditional,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
}

func (s Stage) IsTask() bool        { return s.Kind == StageKindTask && s.Task != nil }
func (s Stage) IsConditional() bool { return s.Kind == StageKindConditional && s.Conditional != nil }

// IsLimit reports whether s is a conditional-limit stage.
func (s Stage) IsLimit() bool {
	return s.IsConditional() && s.Conditional.LimitOrder != nil
}

type TaskStage struct {
	JSONSchema            map[string]any  `json:"json_schema,omitempty"`
	UISchema              map[string]any  `json:"ui_schema,omitempty"`
	AssignUserBy          AssignPolicy    `json:"assign_user_by" enum:"RANK,STAGE,AUTO_COMPLETE,INTEGRATOR,PREVIOUS_MANUAL"`
	AssignUserFromStageID *int64          `json:"assign_user_from_stage_id,omitempty"`
	IsCreatable           bool            `json:"is_creatable"`
	CopyInput             bool            `json:"copy_input"`
	AllowGoBack           bool            `json:"allow_go_back"`
	AllowRelease          bool            `json:"allow_release"`
	Webhook               *Webhook        `json:"webhook,omitempty"`
	PreviousManual        *PreviousManual `json:"previous_manual,omitempty"`
}

// Fabricates reports whether the stage is webhook-only: its tasks are produced
// complete from a webhook response.
func (t *TaskStage) Fabricates() bool {
	return t != nil && t.Webhook != nil && t.Webhook.Kind == WebhookFabricate
}

const (
	WebhookFabricate = "fabricate"
	WebhookTrigger   = "trigger"
)

type Webhook struct {
	URL           string            `json:"url" yaml:"url"`
	Method        string            `json:"method,omitempty" yaml:"method" enum:"GET,POST"`
	Kind          string            `json:"kind" yaml:"kind" enum:"fabricate,trigger"`
	PayloadField  string            `json:"payload_field,omitempty" yaml:"payload_field"`
	Params        map[string]any    `json:"params,omitempty" yaml:"params"`
	ResponseField string            `json:"response_field,omitempty" yaml:"response_field"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers"`
}

// PreviousManual resolves an assignee from a response field of an earlier task in the case.
type PreviousManual struct {
	SourceStageID int64  `json:"source_stage_id"`
	Field         string `json:"field"`
	IsID          bool   `json:"is_id"`
}

type ConditionalStage struct {
	Conditions []Rule `json:"conditions"`
	Pingpong   bool   `json:"pingpong"`
	LimitOrder *int   `json:"limit_order,omitempty"`
}

type Rule struct {
	Field     string `json:"field" yaml:"field"`
	Value     string `json:"value" yaml:"value"`
	Condition string `json:"condition" yaml:"condition"`
	Type      string `json:"type" yaml:"type" enum:"string,integer,number,boolean"`
}
