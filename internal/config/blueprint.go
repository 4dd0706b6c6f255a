package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

// Blueprint is the YAML description of a whole campaign. Stages and ranks are
// referenced by name; stage names are unique across the blueprint.
type Blueprint struct {
	Campaign struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"campaign"`
	Tracks            []TrackSpec            `yaml:"tracks"`
	Chains            []ChainSpec            `yaml:"chains"`
	AutoNotifications []AutoNotificationSpec `yaml:"auto_notifications"`
	Awards            []AwardSpec            `yaml:"awards"`
	Notifications     []NotificationSpec     `yaml:"notifications"`
}

type TrackSpec struct {
	Name        string     `yaml:"name"`
	DefaultRank string     `yaml:"default_rank"`
	Ranks       []RankSpec `yaml:"ranks"`
}

type RankSpec struct {
	Name          string   `yaml:"name"`
	Prerequisites []string `yaml:"prerequisites"`
}

type ChainSpec struct {
	Name       string      `yaml:"name"`
	Individual bool        `yaml:"individual"`
	Stages     []StageSpec `yaml:"stages"`
}

type StageSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Kind        string   `yaml:"kind"`
	Out         []string `yaml:"out"`

	// task-stage options
	Schema         map[string]any      `yaml:"schema"`
	UISchema       map[string]any      `yaml:"ui_schema"`
	Assign         string              `yaml:"assign"`
	AssignFrom     string              `yaml:"assign_from"`
	Creatable      bool                `yaml:"creatable"`
	CopyInput      bool                `yaml:"copy_input"`
	AllowGoBack    bool                `yaml:"allow_go_back"`
	AllowRelease   bool                `yaml:"allow_release"`
	Webhook        *domain.Webhook     `yaml:"webhook"`
	PreviousManual *PreviousManualSpec `yaml:"previous_manual"`
	Integrator     []string            `yaml:"integrator"`
	Quiz           *QuizSpec           `yaml:"quiz"`
	Datetime       *DatetimeSpec       `yaml:"datetime"`
	CopyFields     []CopyFieldSpec     `yaml:"copy_fields"`
	DynamicJSON    []DynamicJSONSpec   `yaml:"dynamic_json"`
	RankLimits     []RankLimitSpec     `yaml:"rank_limits"`

	// conditional options
	Conditions []domain.Rule `yaml:"conditions"`
	Pingpong   bool          `yaml:"pingpong"`
	LimitOrder *int          `yaml:"limit_order"`
}

type PreviousManualSpec struct {
	Source string `yaml:"source"`
	Field  string `yaml:"field"`
	IsID   bool   `yaml:"is_id"`
}

type QuizSpec struct {
	Reference       map[string]any `yaml:"reference"`
	Threshold       *int           `yaml:"threshold"`
	FormatIncorrect bool           `yaml:"format_incorrect"`
}

type DatetimeSpec struct {
	StartTime         string  `yaml:"start_time"`
	EndTime           string  `yaml:"end_time"`
	HowMuchHours      float64 `yaml:"how_much_hours"`
	AfterHowMuchHours float64 `yaml:"after_how_much_hours"`
}

type CopyFieldSpec struct {
	From    string            `yaml:"from"`
	Scope   string            `yaml:"scope"`
	CopyAll bool              `yaml:"copy_all"`
	Fields  map[string]string `yaml:"fields"`
}

type DynamicJSONSpec struct {
	Source        string   `yaml:"source"`
	Main          string   `yaml:"main"`
	Foreign       []string `yaml:"foreign"`
	Count         int      `yaml:"count"`
	WebhookURL    string   `yaml:"webhook_url"`
	ObtainOptions bool     `yaml:"obtain_options_from_stage"`
}

type RankLimitSpec struct {
	Rank       string `yaml:"rank"`
	OpenLimit  int    `yaml:"open_limit"`
	TotalLimit int    `yaml:"total_limit"`
	Creation   *bool  `yaml:"creation"`
	Selection  *bool  `yaml:"selection"`
	Submission *bool  `yaml:"submission"`
	Listing    *bool  `yaml:"listing"`
}

type AutoNotificationSpec struct {
	Trigger   string `yaml:"trigger"`
	Recipient string `yaml:"recipient"`
	Direction string `yaml:"direction"`
	Title     string `yaml:"title"`
	Text      string `yaml:"text"`
}

type AwardSpec struct {
	Completion        string `yaml:"completion"`
	Verified          string `yaml:"verified"`
	Rank              string `yaml:"rank"`
	Count             int    `yaml:"count"`
	StopChain         bool   `yaml:"stop_chain"`
	NotificationTitle string `yaml:"notification_title"`
	NotificationText  string `yaml:"notification_text"`
}

type NotificationSpec struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
	Rank  string `yaml:"rank"`
}

// Flag resolves an optional flag against its default.
func Flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// BlueprintFromYAML parses and validates a blueprint.
func BlueprintFromYAML(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("invalid blueprint yaml: %w", err)
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// BlueprintFromFile reads a blueprint from path.
func BlueprintFromFile(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return BlueprintFromYAML(data)
}

// StageKind returns the normalized kind of s.
func (s StageSpec) StageKind() domain.StageKind {
	if strings.EqualFold(s.Kind, string(domain.StageKindConditional)) {
		return domain.StageKindConditional
	}
	return domain.StageKindTask
}

// Policy returns the assignment policy of a task-stage, RANK when unset.
func (s StageSpec) Policy() domain.AssignPolicy {
	if s.Assign == "" {
		return domain.AssignByRank
	}
	return domain.AssignPolicy(strings.ToUpper(s.Assign))
}

// Validate checks names and cross references.
func (bp *Blueprint) Validate() error {
	if strings.TrimSpace(bp.Campaign.Name) == "" {
		return fmt.Errorf("blueprint.campaign.name is required")
	}
	ranks := map[string]bool{}
	for _, tr := range bp.Tracks {
		if tr.Name == "" {
			return fmt.Errorf("track with empty name")
		}
		for _, rk := range tr.Ranks {
			if rk.Name == "" {
				return fmt.Errorf("track %s has a rank with empty name", tr.Name)
			}
			if ranks[rk.Name] {
				return fmt.Errorf("rank %s defined twice", rk.Name)
			}
			ranks[rk.Name] = true
		}
	}
	for _, tr := range bp.Tracks {
		if tr.DefaultRank != "" && !ranks[tr.DefaultRank] {
			return fmt.Errorf("track %s default rank %s not defined", tr.Name, tr.DefaultRank)
		}
		for _, rk := range tr.Ranks {
			for _, pre := range rk.Prerequisites {
				if !ranks[pre] {
					return fmt.Errorf("rank %s prerequisite %s not defined", rk.Name, pre)
				}
			}
		}
	}
	stages := map[string]StageSpec{}
	chains := map[string]bool{}
	for _, ch := range bp.Chains {
		if ch.Name == "" {
			return fmt.Errorf("chain with empty name")
		}
		if chains[ch.Name] {
			return fmt.Errorf("chain %s defined twice", ch.Name)
		}
		chains[ch.Name] = true
		for _, st := range ch.Stages {
			if st.Name == "" {
				return fmt.Errorf("chain %s has a stage with empty name", ch.Name)
			}
			if _, dup := stages[st.Name]; dup {
				return fmt.Errorf("stage %s defined twice", st.Name)
			}
			stages[st.Name] = st
		}
	}
	inChain := func(chain ChainSpec, name string) bool {
		for _, st := range chain.Stages {
			if st.Name == name {
				return true
			}
		}
		return false
	}
	for _, ch := range bp.Chains {
		for _, st := range ch.Stages {
			for _, out := range st.Out {
				if !inChain(ch, out) {
					return fmt.Errorf("stage %s edge to %s leaves chain %s", st.Name, out, ch.Name)
				}
			}
			if err := st.validate(stages, ranks); err != nil {
				return err
			}
		}
	}
	for _, an := range bp.AutoNotifications {
		if _, ok := stages[an.Trigger]; !ok {
			return fmt.Errorf("auto notification trigger stage %s not defined", an.Trigger)
		}
		if _, ok := stages[an.Recipient]; !ok {
			return fmt.Errorf("auto notification recipient stage %s not defined", an.Recipient)
		}
		switch domain.Direction(strings.ToUpper(an.Direction)) {
		case domain.DirectionForward, domain.DirectionBackward, domain.DirectionLastOne:
		default:
			return fmt.Errorf("auto notification direction %q invalid", an.Direction)
		}
		if an.Title == "" {
			return fmt.Errorf("auto notification on %s requires a title", an.Trigger)
		}
	}
	for _, aw := range bp.Awards {
		if _, ok := stages[aw.Completion]; !ok {
			return fmt.Errorf("award completion stage %s not defined", aw.Completion)
		}
		if _, ok := stages[aw.Verified]; !ok {
			return fmt.Errorf("award verified stage %s not defined", aw.Verified)
		}
		if !ranks[aw.Rank] {
			return fmt.Errorf("award rank %s not defined", aw.Rank)
		}
		if aw.Count <= 0 {
			return fmt.Errorf("award for rank %s requires a positive count", aw.Rank)
		}
	}
	for _, n := range bp.Notifications {
		if n.Title == "" {
			return fmt.Errorf("notification requires a title")
		}
		if n.Rank != "" && !ranks[n.Rank] {
			return fmt.Errorf("notification rank %s not defined", n.Rank)
		}
	}
	return nil
}

func (s StageSpec) validate(stages map[string]StageSpec, ranks map[string]bool) error {
	switch s.StageKind() {
	case domain.StageKindConditional:
		if s.Pingpong && s.LimitOrder != nil {
			return fmt.Errorf("stage %s cannot be both pingpong and limit", s.Name)
		}
		return nil
	}
	if !s.Policy().Valid() {
		return fmt.Errorf("stage %s has unknown assignment policy %s", s.Name, s.Assign)
	}
	isTask := func(name string) bool {
		st, ok := stages[name]
		return ok && st.StageKind() == domain.StageKindTask
	}
	switch s.Policy() {
	case domain.AssignByStage:
		if !isTask(s.AssignFrom) {
			return fmt.Errorf("stage %s assign_from %q is not a task-stage", s.Name, s.AssignFrom)
		}
	case domain.AssignByPreviousManual:
		if s.PreviousManual == nil || !isTask(s.PreviousManual.Source) || s.PreviousManual.Field == "" {
			return fmt.Errorf("stage %s requires previous_manual source and field", s.Name)
		}
	}
	if s.Webhook != nil {
		if s.Webhook.URL == "" {
			return fmt.Errorf("stage %s webhook url is required", s.Name)
		}
		if s.Webhook.Kind != domain.WebhookFabricate && s.Webhook.Kind != domain.WebhookTrigger {
			return fmt.Errorf("stage %s webhook kind must be %s or %s", s.Name, domain.WebhookFabricate, domain.WebhookTrigger)
		}
	}
	for _, cf := range s.CopyFields {
		if !isTask(cf.From) {
			return fmt.Errorf("stage %s copy field source %s is not a task-stage", s.Name, cf.From)
		}
		switch domain.CopyScope(strings.ToUpper(cf.Scope)) {
		case domain.CopyScopeUser, domain.CopyScopeCase:
		default:
			return fmt.Errorf("stage %s copy field scope %q invalid", s.Name, cf.Scope)
		}
		if !cf.CopyAll && len(cf.Fields) == 0 {
			return fmt.Errorf("stage %s copy field from %s copies nothing", s.Name, cf.From)
		}
	}
	for _, dj := range s.DynamicJSON {
		if dj.Main == "" {
			return fmt.Errorf("stage %s dynamic json requires main", s.Name)
		}
		if dj.Source != "" && !isTask(dj.Source) {
			return fmt.Errorf("stage %s dynamic json source %s is not a task-stage", s.Name, dj.Source)
		}
	}
	for _, rl := range s.RankLimits {
		if !ranks[rl.Rank] {
			return fmt.Errorf("stage %s rank limit references unknown rank %s", s.Name, rl.Rank)
		}
	}
	return nil
}
