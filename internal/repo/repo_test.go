package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

const stamp = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

// taskStage stores a campaign with one chain holding one task-stage.
func taskStage(t *testing.T, r repo.Repo) (domain.Chain, domain.Stage) {
	t.Helper()
	ctx := context.Background()
	c, err := r.InsertCampaign(ctx, domain.Campaign{Name: "c", CreatedAt: stamp})
	require.NoError(t, err)
	ch, err := r.InsertChain(ctx, domain.Chain{CampaignID: c.ID, Name: "flow", CreatedAt: stamp})
	require.NoError(t, err)
	s, err := r.InsertStage(ctx, domain.Stage{
		ChainID:   ch.ID,
		Name:      "merge",
		Kind:      domain.StageKindTask,
		Task:      &domain.TaskStage{AssignUserBy: domain.AssignByIntegrator},
		CreatedAt: stamp,
	})
	require.NoError(t, err)
	return ch, s
}

func TestIntegratorSlotIsUnique(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	ch, s := taskStage(t, r)
	group := map[string]any{"oik": float64(4)}

	for i, want := range []bool{true, false} {
		cs, err := r.InsertCase(ctx, ch.ID, stamp)
		require.NoError(t, err)
		created, err := r.InsertIntegratorTask(ctx, domain.Task{StageID: s.ID, CaseID: &cs.ID, IntegratorGroup: group, CreatedAt: stamp, UpdatedAt: stamp})
		require.NoError(t, err)
		assert.Equal(t, want, created, "insert %d", i)
	}

	key, err := repo.GroupKey(group)
	require.NoError(t, err)
	assert.Equal(t, `{"oik":4}`, key)
	got, err := r.GetIntegratorTask(ctx, s.ID, key)
	require.NoError(t, err)
	assert.Equal(t, group, got.IntegratorGroup)

	_, err = r.GetIntegratorTask(ctx, s.ID, `{"oik":5}`)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestAddInTaskIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, s := taskStage(t, r)
	a, err := r.InsertTask(ctx, domain.Task{StageID: s.ID, CreatedAt: stamp, UpdatedAt: stamp})
	require.NoError(t, err)
	b, err := r.InsertTask(ctx, domain.Task{StageID: s.ID, InTasks: []int64{a.ID}, CreatedAt: stamp, UpdatedAt: stamp})
	require.NoError(t, err)

	added, err := r.AddInTask(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, added)
	ids, err := r.InTaskIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)

	out, err := r.OutTasks(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].ID)
}

func TestGrantRankOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c, err := r.InsertCampaign(ctx, domain.Campaign{Name: "ranks", CreatedAt: stamp})
	require.NoError(t, err)
	tr, err := r.InsertTrack(ctx, domain.Track{CampaignID: c.ID, Name: "main"})
	require.NoError(t, err)
	rk, err := r.InsertRank(ctx, domain.Rank{TrackID: tr.ID, Name: "member"})
	require.NoError(t, err)
	u, err := r.EnsureUser(ctx, "alice@example.com", stamp)
	require.NoError(t, err)

	first, err := r.GrantRank(ctx, u.ID, rk.ID, stamp)
	require.NoError(t, err)
	second, err := r.GrantRank(ctx, u.ID, rk.ID, stamp)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	ids, err := r.UserRankIDs(ctx, u.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{rk.ID}, ids)
	campaignID, err := r.CampaignOfTrack(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, campaignID)
}

func TestTaskLockLease(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, s := taskStage(t, r)
	task, err := r.InsertTask(ctx, domain.Task{StageID: s.ID, CreatedAt: stamp, UpdatedAt: stamp})
	require.NoError(t, err)

	held, err := r.AcquireTaskLock(ctx, repo.TaskLock{TaskID: task.ID, Token: "a", AcquiredAt: "2024-01-01T00:00:00Z", ExpiresAt: "2024-01-01T00:01:00Z"})
	require.NoError(t, err)
	require.True(t, held)

	held, err = r.AcquireTaskLock(ctx, repo.TaskLock{TaskID: task.ID, Token: "b", AcquiredAt: "2024-01-01T00:00:30Z", ExpiresAt: "2024-01-01T00:01:30Z"})
	require.NoError(t, err)
	assert.False(t, held, "live lease blocks")

	held, err = r.AcquireTaskLock(ctx, repo.TaskLock{TaskID: task.ID, Token: "b", AcquiredAt: "2024-01-01T00:02:00Z", ExpiresAt: "2024-01-01T00:03:00Z"})
	require.NoError(t, err)
	assert.True(t, held, "expired lease is taken over")

	// a stale holder cannot drop the new lease
	require.NoError(t, r.ReleaseTaskLock(ctx, task.ID, "a"))
	l, err := r.GetTaskLock(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", l.Token)

	require.NoError(t, r.ReleaseTaskLock(ctx, task.ID, "b"))
	_, err = r.GetTaskLock(ctx, task.ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestListTasksFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	ch, s := taskStage(t, r)
	u, err := r.EnsureUser(ctx, "alice@example.com", stamp)
	require.NoError(t, err)
	cs, err := r.InsertCase(ctx, ch.ID, stamp)
	require.NoError(t, err)
	_, err = r.InsertTask(ctx, domain.Task{StageID: s.ID, CaseID: &cs.ID, AssigneeID: &u.ID, Complete: true, CreatedAt: stamp, UpdatedAt: stamp})
	require.NoError(t, err)
	open, err := r.InsertTask(ctx, domain.Task{StageID: s.ID, CaseID: &cs.ID, CreatedAt: stamp, UpdatedAt: stamp})
	require.NoError(t, err)

	all, err := r.ListTasks(ctx, repo.TaskFilters{CaseID: cs.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, open.ID, all[0].ID, "newest first")

	mine, err := r.ListTasks(ctx, repo.TaskFilters{AssigneeID: u.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	unassigned, err := r.ListTasks(ctx, repo.TaskFilters{StageID: s.ID, Unassigned: true})
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, open.ID, unassigned[0].ID)

	n, err := r.CountTasksAtStageInCase(ctx, s.ID, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
