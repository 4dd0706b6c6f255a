package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/conditions"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// ImportResult maps blueprint names to the ids they were stored under.
type ImportResult struct {
	Campaign domain.Campaign  `json:"campaign"`
	Chains   map[string]int64 `json:"chains"`
	Stages   map[string]int64 `json:"stages"`
	Ranks    map[string]int64 `json:"ranks"`
}

// ImportBlueprint stores a whole campaign graph in one transaction.
func (e Engine) ImportBlueprint(ctx context.Context, bp *config.Blueprint, actorID int64) (ImportResult, error) {
	if bp == nil {
		return ImportResult{}, validation("", "blueprint is required")
	}
	if err := bp.Validate(); err != nil {
		return ImportResult{}, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	rn, err := e.begin(ctx, actorID)
	if err != nil {
		return ImportResult{}, err
	}
	defer rn.tx.Rollback()

	im := importer{e: e, rn: rn, bp: bp, now: e.stamp(), res: ImportResult{
		Chains: map[string]int64{},
		Stages: map[string]int64{},
		Ranks:  map[string]int64{},
	}}
	steps := []func(context.Context) error{
		im.campaign,
		im.tracks,
		im.stages,
		im.wire,
		im.campaignModifiers,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return ImportResult{}, err
		}
	}
	c := im.res.Campaign
	if err := e.Events.Append(ctx, rn.tx, events.CampaignImported, c.ID, "campaign", c.ID, actorID, events.EventPayload{
		"name": c.Name, "stages": len(im.res.Stages), "ranks": len(im.res.Ranks),
	}); err != nil {
		return ImportResult{}, err
	}
	if err := rn.tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	e.log().Info("blueprint imported", zap.String("campaign", c.Name), zap.Int64("campaign_id", c.ID), zap.Int("stages", len(im.res.Stages)))
	return im.res, nil
}

type importer struct {
	e   Engine
	rn  *run
	bp  *config.Blueprint
	now string
	res ImportResult
}

func (im *importer) campaign(ctx context.Context) error {
	r := im.rn.r
	name := strings.TrimSpace(im.bp.Campaign.Name)
	if _, err := r.GetCampaignByName(ctx, name); err == nil {
		return validation("campaign.name", "campaign %q already exists", name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	c, err := r.InsertCampaign(ctx, domain.Campaign{Name: name, Description: im.bp.Campaign.Description, CreatedAt: im.now})
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	im.res.Campaign = c
	return nil
}

func (im *importer) tracks(ctx context.Context) error {
	r := im.rn.r
	for _, ts := range im.bp.Tracks {
		tr, err := r.InsertTrack(ctx, domain.Track{CampaignID: im.res.Campaign.ID, Name: ts.Name})
		if err != nil {
			return fmt.Errorf("insert track %s: %w", ts.Name, err)
		}
		for _, rs := range ts.Ranks {
			rk, err := r.InsertRank(ctx, domain.Rank{TrackID: tr.ID, Name: rs.Name})
			if err != nil {
				return fmt.Errorf("insert rank %s: %w", rs.Name, err)
			}
			im.res.Ranks[rs.Name] = rk.ID
		}
		if ts.DefaultRank != "" {
			if err := r.SetTrackDefaultRank(ctx, tr.ID, im.res.Ranks[ts.DefaultRank]); err != nil {
				return err
			}
		}
	}
	for _, ts := range im.bp.Tracks {
		for _, rs := range ts.Ranks {
			for _, pre := range rs.Prerequisites {
				if err := r.AddRankPrerequisite(ctx, im.res.Ranks[rs.Name], im.res.Ranks[pre]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (im *importer) stages(ctx context.Context) error {
	r := im.rn.r
	for _, cs := range im.bp.Chains {
		ch, err := r.InsertChain(ctx, domain.Chain{CampaignID: im.res.Campaign.ID, Name: cs.Name, IsIndividual: cs.Individual, CreatedAt: im.now})
		if err != nil {
			return fmt.Errorf("insert chain %s: %w", cs.Name, err)
		}
		im.res.Chains[cs.Name] = ch.ID
		for _, ss := range cs.Stages {
			s := domain.Stage{ChainID: ch.ID, Name: ss.Name, Description: ss.Description, Kind: ss.StageKind(), CreatedAt: im.now}
			if s.Kind == domain.StageKindConditional {
				if err := conditions.Validate(ss.Conditions); err != nil {
					return &Error{Kind: KindValidation, Message: fmt.Sprintf("stage %s: %v", ss.Name, err), Path: "conditions", Err: err}
				}
				s.Conditional = &domain.ConditionalStage{Conditions: ss.Conditions, Pingpong: ss.Pingpong, LimitOrder: ss.LimitOrder}
			} else {
				s.Task = &domain.TaskStage{
					JSONSchema:   ss.Schema,
					UISchema:     ss.UISchema,
					AssignUserBy: ss.Policy(),
					IsCreatable:  ss.Creatable,
					CopyInput:    ss.CopyInput,
					AllowGoBack:  ss.AllowGoBack,
					AllowRelease: ss.AllowRelease,
					Webhook:      ss.Webhook,
				}
			}
			stored, err := r.InsertStage(ctx, s)
			if err != nil {
				return fmt.Errorf("insert stage %s: %w", ss.Name, err)
			}
			im.res.Stages[ss.Name] = stored.ID
		}
	}
	return nil
}

// wire adds edges and every task-stage modifier once all stage ids are known.
func (im *importer) wire(ctx context.Context) error {
	for _, cs := range im.bp.Chains {
		for _, ss := range cs.Stages {
			id := im.res.Stages[ss.Name]
			for _, out := range ss.Out {
				if err := im.rn.r.AddEdge(ctx, id, im.res.Stages[out]); err != nil {
					return fmt.Errorf("edge %s -> %s: %w", ss.Name, out, err)
				}
			}
			if ss.StageKind() == domain.StageKindTask {
				if err := im.taskModifiers(ctx, id, ss); err != nil {
					return fmt.Errorf("stage %s: %w", ss.Name, err)
				}
			}
		}
	}
	return nil
}

func (im *importer) taskModifiers(ctx context.Context, id int64, ss config.StageSpec) error {
	r := im.rn.r
	if ss.AssignFrom != "" {
		if err := r.SetAssignFromStage(ctx, id, im.res.Stages[ss.AssignFrom]); err != nil {
			return err
		}
	}
	if pm := ss.PreviousManual; pm != nil {
		if err := r.SetPreviousManual(ctx, id, domain.PreviousManual{SourceStageID: im.res.Stages[pm.Source], Field: pm.Field, IsID: pm.IsID}); err != nil {
			return err
		}
	}
	if len(ss.Integrator) > 0 {
		if err := r.UpsertIntegration(ctx, domain.Integration{StageID: id, GroupBy: ss.Integrator}); err != nil {
			return err
		}
	}
	if q := ss.Quiz; q != nil {
		ref, err := r.InsertTask(ctx, domain.Task{
			StageID:       id,
			Responses:     domain.Responses(q.Reference).Clone(),
			Complete:      true,
			ForceComplete: true,
			CreatedAt:     im.now,
			UpdatedAt:     im.now,
		})
		if err != nil {
			return fmt.Errorf("quiz reference: %w", err)
		}
		if err := r.UpsertQuiz(ctx, domain.Quiz{StageID: id, ReferenceTaskID: ref.ID, Threshold: q.Threshold, FormatIncorrect: q.FormatIncorrect}); err != nil {
			return err
		}
	}
	if d := ss.Datetime; d != nil {
		ds := domain.DatetimeSort{StageID: id, HowMuchHours: d.HowMuchHours, AfterHowMuchHours: d.AfterHowMuchHours}
		var err error
		if ds.StartTime, err = blueprintTime(d.StartTime); err != nil {
			return validation("datetime.start_time", "%v", err)
		}
		if ds.EndTime, err = blueprintTime(d.EndTime); err != nil {
			return validation("datetime.end_time", "%v", err)
		}
		if err := r.UpsertDatetimeSort(ctx, ds); err != nil {
			return err
		}
	}
	for _, cf := range ss.CopyFields {
		if _, err := r.InsertCopyField(ctx, domain.CopyField{
			StageID:         id,
			CopyFromStageID: im.res.Stages[cf.From],
			Scope:           domain.CopyScope(strings.ToUpper(cf.Scope)),
			CopyAll:         cf.CopyAll,
			Fields:          cf.Fields,
		}); err != nil {
			return err
		}
	}
	for _, dj := range ss.DynamicJSON {
		d := domain.DynamicJSON{
			TargetStageID:          id,
			Main:                   dj.Main,
			Foreign:                dj.Foreign,
			Count:                  dj.Count,
			WebhookURL:             dj.WebhookURL,
			ObtainOptionsFromStage: dj.ObtainOptions,
		}
		if dj.Source != "" {
			d.SourceStageID = int64Ptr(im.res.Stages[dj.Source])
		}
		if _, err := r.InsertDynamicJSON(ctx, d); err != nil {
			return err
		}
	}
	for _, rl := range ss.RankLimits {
		if _, err := r.UpsertRankLimit(ctx, domain.RankLimit{
			RankID:           im.res.Ranks[rl.Rank],
			StageID:          id,
			OpenLimit:        rl.OpenLimit,
			TotalLimit:       rl.TotalLimit,
			IsCreationOpen:   config.Flag(rl.Creation, true),
			IsSelectionOpen:  config.Flag(rl.Selection, true),
			IsSubmissionOpen: config.Flag(rl.Submission, true),
			IsListingAllowed: config.Flag(rl.Listing, false),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (im *importer) campaignModifiers(ctx context.Context) error {
	r := im.rn.r
	for _, an := range im.bp.AutoNotifications {
		if _, err := r.InsertAutoNotification(ctx, domain.AutoNotification{
			TriggerStageID:   im.res.Stages[an.Trigger],
			RecipientStageID: im.res.Stages[an.Recipient],
			Direction:        domain.Direction(strings.ToUpper(an.Direction)),
			Title:            an.Title,
			Text:             an.Text,
		}); err != nil {
			return fmt.Errorf("auto notification on %s: %w", an.Trigger, err)
		}
	}
	for _, aw := range im.bp.Awards {
		if _, err := r.InsertTaskAward(ctx, domain.TaskAward{
			CompletionStageID: im.res.Stages[aw.Completion],
			VerifiedStageID:   im.res.Stages[aw.Verified],
			RankID:            im.res.Ranks[aw.Rank],
			Count:             aw.Count,
			StopChain:         aw.StopChain,
			NotificationTitle: aw.NotificationTitle,
			NotificationText:  aw.NotificationText,
		}); err != nil {
			return fmt.Errorf("award for %s: %w", aw.Rank, err)
		}
	}
	for _, n := range im.bp.Notifications {
		note := domain.Notification{CampaignID: im.res.Campaign.ID, Title: n.Title, Text: n.Text}
		if n.Rank != "" {
			note.TargetRankID = int64Ptr(im.res.Ranks[n.Rank])
		}
		if _, err := im.e.notify(ctx, im.rn, note); err != nil {
			return err
		}
	}
	return nil
}

// blueprintTime converts an RFC 3339 blueprint time into the storage layout.
func blueprintTime(v string) (*string, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("time %q is not RFC 3339", v)
	}
	s := domain.FormatTime(t)
	return &s, nil
}
