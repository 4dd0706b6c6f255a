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

// Repo is the entity store. A Repo bound with WithTx runs every statement in that transaction.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a copy of r bound to tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: r.DB, tx: tx}
}

// Tx returns the bound transaction, if any.
func (r Repo) Tx() *sql.Tx {
	return r.tx
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

func (r Repo) insert(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.q().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	case domain.Responses:
		if m == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ptrString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- users ---

// EnsureUser inserts the user by email if missing and returns it.
func (r Repo) EnsureUser(ctx context.Context, email, now string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return domain.User{}, errors.New("email required")
	}
	if _, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO users(email, created_at) VALUES (?,?)`, email, now); err != nil {
		return domain.User{}, err
	}
	return r.GetUserByEmail(ctx, email)
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := r.q().QueryRowContext(ctx, `SELECT id,email,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var u domain.User
	err := r.q().QueryRowContext(ctx, `SELECT id,email,created_at FROM users WHERE email=?`, strings.TrimSpace(strings.ToLower(email))).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// --- campaigns and chains ---

func (r Repo) InsertCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	id, err := r.insert(ctx, `INSERT INTO campaigns(name,description,created_at) VALUES (?,?,?)`, c.Name, nullable(c.Description), c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ID = id
	return c, nil
}

func (r Repo) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	return scanCampaign(r.q().QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM campaigns WHERE id=?`, id))
}

func (r Repo) GetCampaignByName(ctx context.Context, name string) (domain.Campaign, error) {
	return scanCampaign(r.q().QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM campaigns WHERE name=?`, name))
}

func scanCampaign(row *sql.Row) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertChain(ctx context.Context, c domain.Chain) (domain.Chain, error) {
	id, err := r.insert(ctx, `INSERT INTO chains(campaign_id,name,is_individual,created_at) VALUES (?,?,?,?)`,
		c.CampaignID, c.Name, boolInt(c.IsIndividual), c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ID = id
	return c, nil
}

func (r Repo) GetChain(ctx context.Context, id int64) (domain.Chain, error) {
	var c domain.Chain
	var individual int
	err := r.q().QueryRowContext(ctx, `SELECT id,campaign_id,name,is_individual,created_at FROM chains WHERE id=?`, id).
		Scan(&c.ID, &c.CampaignID, &c.Name, &individual, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.IsIndividual = individual == 1
	return c, err
}

func (r Repo) GetChainByName(ctx context.Context, campaignID int64, name string) (domain.Chain, error) {
	var c domain.Chain
	var individual int
	err := r.q().QueryRowContext(ctx, `SELECT id,campaign_id,name,is_individual,created_at FROM chains WHERE campaign_id=? AND name=?`, campaignID, name).
		Scan(&c.ID, &c.CampaignID, &c.Name, &individual, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.IsIndividual = individual == 1
	return c, err
}

// CampaignOfStage resolves the campaign owning a stage.
func (r Repo) CampaignOfStage(ctx context.Context, stageID int64) (int64, error) {
	var id int64
	err := r.q().QueryRowContext(ctx, `SELECT c.campaign_id FROM stages s JOIN chains c ON c.id=s.chain_id WHERE s.id=?`, stageID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// --- cases ---

func (r Repo) InsertCase(ctx context.Context, chainID int64, now string) (domain.Case, error) {
	id, err := r.insert(ctx, `INSERT INTO cases(chain_id,created_at) VALUES (?,?)`, chainID, now)
	if err != nil {
		return domain.Case{}, err
	}
	return domain.Case{ID: id, ChainID: chainID, CreatedAt: now}, nil
}

func (r Repo) GetCase(ctx context.Context, id int64) (domain.Case, error) {
	var c domain.Case
	err := r.q().QueryRowContext(ctx, `SELECT id,chain_id,created_at FROM cases WHERE id=?`, id).Scan(&c.ID, &c.ChainID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// --- events ---

type EventFilters struct {
	CampaignID int64
	Type       string
	EntityKind string
	EntityID   int64
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first, below the cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CampaignID != 0 {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != 0 {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(campaign_id,0),entity_kind,COALESCE(entity_id,0),COALESCE(actor_id,0),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CampaignID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id above cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q().QueryContext(ctx, `SELECT id,ts,type,COALESCE(campaign_id,0),entity_kind,COALESCE(entity_id,0),COALESCE(actor_id,0),payload_json
FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CampaignID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
