package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertTrack(ctx context.Context, t domain.Track) (domain.Track, error) {
	id, err := r.insert(ctx, `INSERT INTO tracks(campaign_id,name,default_rank_id) VALUES (?,?,?)`, t.CampaignID, t.Name, nullableID(t.DefaultRankID))
	if err != nil {
		return t, err
	}
	t.ID = id
	return t, nil
}

func (r Repo) SetTrackDefaultRank(ctx context.Context, trackID, rankID int64) error {
	_, err := r.q().ExecContext(ctx, `UPDATE tracks SET default_rank_id=? WHERE id=?`, rankID, trackID)
	return err
}

func (r Repo) ListTracks(ctx context.Context, campaignID int64) ([]domain.Track, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,campaign_id,name,default_rank_id FROM tracks WHERE campaign_id=? ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Track
	for rows.Next() {
		var t domain.Track
		var def sql.NullInt64
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.Name, &def); err != nil {
			return nil, err
		}
		t.DefaultRankID = ptrInt64(def)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertRank(ctx context.Context, rk domain.Rank) (domain.Rank, error) {
	id, err := r.insert(ctx, `INSERT INTO ranks(track_id,name) VALUES (?,?)`, rk.TrackID, rk.Name)
	if err != nil {
		return rk, err
	}
	rk.ID = id
	for _, pre := range rk.Prerequisites {
		if err := r.AddRankPrerequisite(ctx, rk.ID, pre); err != nil {
			return rk, err
		}
	}
	return rk, nil
}

func (r Repo) AddRankPrerequisite(ctx context.Context, rankID, prerequisiteID int64) error {
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO rank_prerequisites(rank_id,prerequisite_id) VALUES (?,?)`, rankID, prerequisiteID)
	return err
}

func (r Repo) GetRank(ctx context.Context, id int64) (domain.Rank, error) {
	var rk domain.Rank
	err := r.q().QueryRowContext(ctx, `SELECT id,track_id,name FROM ranks WHERE id=?`, id).Scan(&rk.ID, &rk.TrackID, &rk.Name)
	if err == sql.ErrNoRows {
		return rk, ErrNotFound
	}
	if err != nil {
		return rk, err
	}
	rows, err := r.q().QueryContext(ctx, `SELECT prerequisite_id FROM rank_prerequisites WHERE rank_id=? ORDER BY prerequisite_id`, id)
	if err != nil {
		return rk, err
	}
	rk.Prerequisites, err = scanIDs(rows)
	return rk, err
}

// CampaignOfTrack resolves the campaign owning a track.
func (r Repo) CampaignOfTrack(ctx context.Context, trackID int64) (int64, error) {
	var id int64
	err := r.q().QueryRowContext(ctx, `SELECT campaign_id FROM tracks WHERE id=?`, trackID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// ListCampaignRanks returns every rank of a campaign with its prerequisites.
func (r Repo) ListCampaignRanks(ctx context.Context, campaignID int64) ([]domain.Rank, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT rk.id,rk.track_id,rk.name FROM ranks rk JOIN tracks tr ON tr.id=rk.track_id
WHERE tr.campaign_id=? ORDER BY rk.id`, campaignID)
	if err != nil {
		return nil, err
	}
	var res []domain.Rank
	for rows.Next() {
		var rk domain.Rank
		if err := rows.Scan(&rk.ID, &rk.TrackID, &rk.Name); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rk)
	}
	rows.Close()
	prereqs, err := r.q().QueryContext(ctx, `SELECT p.rank_id,p.prerequisite_id FROM rank_prerequisites p
JOIN ranks rk ON rk.id=p.rank_id JOIN tracks tr ON tr.id=rk.track_id WHERE tr.campaign_id=? ORDER BY p.rank_id,p.prerequisite_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer prereqs.Close()
	byRank := map[int64][]int64{}
	for prereqs.Next() {
		var rankID, pre int64
		if err := prereqs.Scan(&rankID, &pre); err != nil {
			return nil, err
		}
		byRank[rankID] = append(byRank[rankID], pre)
	}
	for i := range res {
		res[i].Prerequisites = byRank[res[i].ID]
	}
	return res, prereqs.Err()
}

// GrantRank records (user, rank). It reports false when the grant already existed.
func (r Repo) GrantRank(ctx context.Context, userID, rankID int64, now string) (bool, error) {
	res, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO rank_records(user_id,rank_id,created_at) VALUES (?,?,?)`, userID, rankID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UserRankIDs returns the ranks the user holds within a campaign.
func (r Repo) UserRankIDs(ctx context.Context, userID, campaignID int64) ([]int64, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT rr.rank_id FROM rank_records rr JOIN ranks rk ON rk.id=rr.rank_id
JOIN tracks tr ON tr.id=rk.track_id WHERE rr.user_id=? AND tr.campaign_id=? ORDER BY rr.rank_id`, userID, campaignID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r Repo) ListRankRecords(ctx context.Context, userID, campaignID int64) ([]domain.RankRecord, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT rr.id,rr.user_id,rr.rank_id,rk.name,rr.created_at FROM rank_records rr
JOIN ranks rk ON rk.id=rr.rank_id JOIN tracks tr ON tr.id=rk.track_id
WHERE rr.user_id=? AND tr.campaign_id=? ORDER BY rr.id`, userID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RankRecord
	for rows.Next() {
		var rec domain.RankRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.RankID, &rec.RankName, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountRankRecords counts grants of a rank to a user.
func (r Repo) CountRankRecords(ctx context.Context, userID, rankID int64) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM rank_records WHERE user_id=? AND rank_id=?`, userID, rankID).Scan(&n)
	return n, err
}

// --- rank limits ---

const rankLimitColumns = `rl.id,rl.rank_id,rl.stage_id,rl.open_limit,rl.total_limit,rl.is_creation_open,rl.is_selection_open,rl.is_submission_open,rl.is_listing_allowed`

func scanRankLimit(row rowScanner) (domain.RankLimit, error) {
	var l domain.RankLimit
	var creation, selection, submission, listing int
	err := row.Scan(&l.ID, &l.RankID, &l.StageID, &l.OpenLimit, &l.TotalLimit, &creation, &selection, &submission, &listing)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	l.IsCreationOpen = creation == 1
	l.IsSelectionOpen = selection == 1
	l.IsSubmissionOpen = submission == 1
	l.IsListingAllowed = listing == 1
	return l, err
}

func (r Repo) UpsertRankLimit(ctx context.Context, l domain.RankLimit) (domain.RankLimit, error) {
	_, err := r.q().ExecContext(ctx, `INSERT INTO rank_limits(rank_id,stage_id,open_limit,total_limit,is_creation_open,is_selection_open,is_submission_open,is_listing_allowed)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(rank_id,stage_id) DO UPDATE SET open_limit=excluded.open_limit, total_limit=excluded.total_limit,
is_creation_open=excluded.is_creation_open, is_selection_open=excluded.is_selection_open,
is_submission_open=excluded.is_submission_open, is_listing_allowed=excluded.is_listing_allowed`,
		l.RankID, l.StageID, l.OpenLimit, l.TotalLimit, boolInt(l.IsCreationOpen), boolInt(l.IsSelectionOpen), boolInt(l.IsSubmissionOpen), boolInt(l.IsListingAllowed))
	if err != nil {
		return l, err
	}
	return scanRankLimit(r.q().QueryRowContext(ctx, `SELECT `+rankLimitColumns+` FROM rank_limits rl WHERE rl.rank_id=? AND rl.stage_id=?`, l.RankID, l.StageID))
}

// StageRankLimits returns every rank limit bound to a stage.
func (r Repo) StageRankLimits(ctx context.Context, stageID int64) ([]domain.RankLimit, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+rankLimitColumns+` FROM rank_limits rl WHERE rl.stage_id=? ORDER BY rl.id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RankLimit
	for rows.Next() {
		l, err := scanRankLimit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UserRankLimits returns rank limits on a stage for ranks the user holds.
func (r Repo) UserRankLimits(ctx context.Context, userID, stageID int64) ([]domain.RankLimit, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+rankLimitColumns+` FROM rank_limits rl
JOIN rank_records rr ON rr.rank_id=rl.rank_id WHERE rr.user_id=? AND rl.stage_id=? ORDER BY rl.id`, userID, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RankLimit
	for rows.Next() {
		l, err := scanRankLimit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ListableStageIDs returns stages whose limits let the user select and list tasks.
func (r Repo) ListableStageIDs(ctx context.Context, userID, campaignID int64) ([]int64, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT DISTINCT rl.stage_id FROM rank_limits rl
JOIN rank_records rr ON rr.rank_id=rl.rank_id
JOIN stages s ON s.id=rl.stage_id JOIN chains ch ON ch.id=s.chain_id
WHERE rr.user_id=? AND ch.campaign_id=? AND rl.is_selection_open=1 AND rl.is_listing_allowed=1 ORDER BY rl.stage_id`, userID, campaignID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}
