package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

var stageColumnNames = []string{
	"id", "chain_id", "name", "description", "kind", "json_schema", "ui_schema", "assign_user_by", "assign_user_from_stage_id",
	"is_creatable", "copy_input", "allow_go_back", "allow_release", "webhook_json", "previous_manual_json", "conditions_json",
	"pingpong", "limit_order", "created_at",
}

var stageColumns = stageColumnsAs("")

// stageColumnsAs renders the stage select list, optionally qualified by a table alias.
func stageColumnsAs(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	cols := make([]string, len(stageColumnNames))
	for i, c := range stageColumnNames {
		if c == "description" {
			cols[i] = "COALESCE(" + prefix + c + ",'')"
			continue
		}
		cols[i] = prefix + c
	}
	return strings.Join(cols, ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (domain.Stage, error) {
	var s domain.Stage
	var kind string
	var jsonSchema, uiSchema, assignBy, webhook, previousManual, conditions sql.NullString
	var assignFrom, limitOrder sql.NullInt64
	var creatable, copyInput, goBack, release, pingpong int
	if err := row.Scan(&s.ID, &s.ChainID, &s.Name, &s.Description, &kind, &jsonSchema, &uiSchema, &assignBy, &assignFrom,
		&creatable, &copyInput, &goBack, &release, &webhook, &previousManual, &conditions, &pingpong, &limitOrder, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Kind = domain.StageKind(kind)
	switch s.Kind {
	case domain.StageKindTask:
		ts := &domain.TaskStage{
			AssignUserBy:          domain.AssignPolicy(assignBy.String),
			AssignUserFromStageID: ptrInt64(assignFrom),
			IsCreatable:           creatable == 1,
			CopyInput:             copyInput == 1,
			AllowGoBack:           goBack == 1,
			AllowRelease:          release == 1,
		}
		if ts.AssignUserBy == "" {
			ts.AssignUserBy = domain.AssignByRank
		}
		if err := unmarshalJSON(jsonSchema, &ts.JSONSchema); err != nil {
			return s, err
		}
		if err := unmarshalJSON(uiSchema, &ts.UISchema); err != nil {
			return s, err
		}
		if webhook.Valid {
			ts.Webhook = &domain.Webhook{}
			if err := unmarshalJSON(webhook, ts.Webhook); err != nil {
				return s, err
			}
		}
		if previousManual.Valid {
			ts.PreviousManual = &domain.PreviousManual{}
			if err := unmarshalJSON(previousManual, ts.PreviousManual); err != nil {
				return s, err
			}
		}
		s.Task = ts
	case domain.StageKindConditional:
		cs := &domain.ConditionalStage{Pingpong: pingpong == 1}
		if err := unmarshalJSON(conditions, &cs.Conditions); err != nil {
			return s, err
		}
		if limitOrder.Valid {
			v := int(limitOrder.Int64)
			cs.LimitOrder = &v
		}
		s.Conditional = cs
	default:
		return s, fmt.Errorf("stage %d has unknown kind %q", s.ID, kind)
	}
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) (domain.Stage, error) {
	var (
		jsonSchema, uiSchema, webhook, previousManual, conditions any
		assignBy                                                  any
		assignFrom                                                any
		creatable, copyInput, goBack, release, pingpong           int
		limitOrder                                                any
		err                                                       error
	)
	switch {
	case s.IsTask():
		t := s.Task
		if jsonSchema, err = marshalJSON(t.JSONSchema); err != nil {
			return s, err
		}
		if uiSchema, err = marshalJSON(t.UISchema); err != nil {
			return s, err
		}
		if t.Webhook != nil {
			if webhook, err = marshalJSON(t.Webhook); err != nil {
				return s, err
			}
		}
		if t.PreviousManual != nil {
			if previousManual, err = marshalJSON(t.PreviousManual); err != nil {
				return s, err
			}
		}
		policy := t.AssignUserBy
		if policy == "" {
			policy = domain.AssignByRank
		}
		assignBy = string(policy)
		assignFrom = nullableID(t.AssignUserFromStageID)
		creatable, copyInput, goBack, release = boolInt(t.IsCreatable), boolInt(t.CopyInput), boolInt(t.AllowGoBack), boolInt(t.AllowRelease)
	case s.IsConditional():
		c := s.Conditional
		rules := c.Conditions
		if rules == nil {
			rules = []domain.Rule{}
		}
		if conditions, err = marshalJSON(rules); err != nil {
			return s, err
		}
		pingpong = boolInt(c.Pingpong)
		if c.LimitOrder != nil {
			limitOrder = *c.LimitOrder
		}
	default:
		return s, fmt.Errorf("stage %q: kind %q requires matching variant", s.Name, s.Kind)
	}
	id, err := r.insert(ctx, `INSERT INTO stages(chain_id,name,description,kind,json_schema,ui_schema,assign_user_by,assign_user_from_stage_id,
is_creatable,copy_input,allow_go_back,allow_release,webhook_json,previous_manual_json,conditions_json,pingpong,limit_order,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ChainID, s.Name, nullable(s.Description), string(s.Kind), jsonSchema, uiSchema, assignBy, assignFrom,
		creatable, copyInput, goBack, release, webhook, previousManual, conditions, pingpong, limitOrder, s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.ID = id
	return s, nil
}

// SetAssignFromStage updates the STAGE policy source once the referenced stage exists.
func (r Repo) SetAssignFromStage(ctx context.Context, stageID, fromStageID int64) error {
	_, err := r.q().ExecContext(ctx, `UPDATE stages SET assign_user_from_stage_id=? WHERE id=?`, fromStageID, stageID)
	return err
}

// SetPreviousManual stores the previous-manual binding once the source stage exists.
func (r Repo) SetPreviousManual(ctx context.Context, stageID int64, pm domain.PreviousManual) error {
	b, err := json.Marshal(pm)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `UPDATE stages SET previous_manual_json=? WHERE id=?`, string(b), stageID)
	return err
}

func (r Repo) GetStage(ctx context.Context, id int64) (domain.Stage, error) {
	return scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

func (r Repo) listStages(ctx context.Context, query string, args ...any) ([]domain.Stage, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListChainStages returns a chain's stages in creation order.
func (r Repo) ListChainStages(ctx context.Context, chainID int64) ([]domain.Stage, error) {
	return r.listStages(ctx, `SELECT `+stageColumns+` FROM stages WHERE chain_id=? ORDER BY id`, chainID)
}

// ListCreatableStages returns creatable task-stages of a campaign.
func (r Repo) ListCreatableStages(ctx context.Context, campaignID int64) ([]domain.Stage, error) {
	return r.listStages(ctx, `SELECT `+stageColumnsAs("s")+` FROM stages s JOIN chains c ON c.id=s.chain_id
WHERE c.campaign_id=? AND s.kind='task' AND s.is_creatable=1 ORDER BY s.id`, campaignID)
}

// OutStages returns the successors of a stage ordered by id.
func (r Repo) OutStages(ctx context.Context, stageID int64) ([]domain.Stage, error) {
	return r.listStages(ctx, `SELECT `+stageColumnsAs("s")+` FROM stage_edges e JOIN stages s ON s.id=e.to_stage_id
WHERE e.from_stage_id=? ORDER BY s.id`, stageID)
}

// InStageIDs returns the predecessors of a stage.
func (r Repo) InStageIDs(ctx context.Context, stageID int64) ([]int64, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT from_stage_id FROM stage_edges WHERE to_stage_id=? ORDER BY from_stage_id`, stageID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// OutStageIDs returns the successors of a stage.
func (r Repo) OutStageIDs(ctx context.Context, stageID int64) ([]int64, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT to_stage_id FROM stage_edges WHERE from_stage_id=? ORDER BY to_stage_id`, stageID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// ErrCrossChainEdge rejects edges between stages of different chains.
var ErrCrossChainEdge = errors.New("stage edges must stay within one chain")

// AddEdge links from -> to after checking both stages share a chain.
func (r Repo) AddEdge(ctx context.Context, from, to int64) error {
	var fromChain, toChain int64
	if err := r.q().QueryRowContext(ctx, `SELECT chain_id FROM stages WHERE id=?`, from).Scan(&fromChain); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if err := r.q().QueryRowContext(ctx, `SELECT chain_id FROM stages WHERE id=?`, to).Scan(&toChain); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if fromChain != toChain {
		return ErrCrossChainEdge
	}
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO stage_edges(from_stage_id,to_stage_id) VALUES (?,?)`, from, to)
	return err
}
