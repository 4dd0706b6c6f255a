package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/webhook"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHooks struct {
	mu    sync.Mutex
	calls []webhook.Request
	reply map[string]any
	err   error
}

func (f *fakeHooks) Call(_ context.Context, req webhook.Request) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Hooks  *fakeHooks
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	hooks := &fakeHooks{}
	eng.Webhooks = hooks
	return testEnv{Engine: eng, Ctx: context.Background(), Hooks: hooks}
}

func (env testEnv) importYAML(t *testing.T, doc string) engine.ImportResult {
	t.Helper()
	bp, err := config.BlueprintFromYAML([]byte(doc))
	require.NoError(t, err)
	res, err := env.Engine.ImportBlueprint(env.Ctx, bp, 0)
	require.NoError(t, err)
	return res
}

// member registers email and joins the campaign.
func (env testEnv) member(t *testing.T, email string, campaignID int64) int64 {
	t.Helper()
	u, err := env.Engine.EnsureUser(env.Ctx, email)
	require.NoError(t, err)
	_, err = env.Engine.JoinCampaign(env.Ctx, u.ID, campaignID)
	require.NoError(t, err)
	return u.ID
}

func (env testEnv) tasksAt(t *testing.T, stageID int64) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{StageID: stageID})
	require.NoError(t, err)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

func (env testEnv) task(t *testing.T, id int64) domain.Task {
	t.Helper()
	got, err := env.Engine.GetTask(env.Ctx, id)
	require.NoError(t, err)
	return got
}

// submit opens a case at stageID for user and completes it with responses.
func (env testEnv) submit(t *testing.T, user, stageID int64, responses domain.Responses) (domain.Task, engine.CompleteResult) {
	t.Helper()
	created, err := env.Engine.CreateInitialTask(env.Ctx, user, stageID)
	require.NoError(t, err)
	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: user, Responses: responses})
	require.NoError(t, err)
	return created, res
}

func requireKind(t *testing.T, err error, kind engine.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, engine.KindOf(err), "error: %v", err)
}

const trackYAML = `
tracks:
  - name: main
    default_rank: member
    ranks:
      - name: member
`

func TestLinearPass(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: linear}`+trackYAML+`
chains:
  - name: flow
    stages:
      - name: s1
        creatable: true
        schema:
          type: object
          properties:
            answer: {type: string}
          required: [answer]
        out: [s2]
      - name: s2
        assign: stage
        assign_from: s1
`)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)

	first, err := env.Engine.CreateInitialTask(env.Ctx, alice, ids.Stages["s1"])
	require.NoError(t, err)
	again, err := env.Engine.CreateInitialTask(env.Ctx, alice, ids.Stages["s1"])
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "open task is handed back on shared chains")

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: first.ID, UserID: alice})
	requireKind(t, err, engine.KindValidation)
	assert.False(t, env.task(t, first.ID).Complete)

	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: first.ID, UserID: alice, Responses: domain.Responses{"answer": "hi"}})
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
	if diff := cmp.Diff(domain.Responses{"answer": "hi"}, res.Task.Responses); diff != "" {
		t.Fatalf("responses mismatch (-want +got):\n%s", diff)
	}

	next := env.tasksAt(t, ids.Stages["s2"])
	require.Len(t, next, 1)
	assert.Equal(t, []int64{first.ID}, next[0].InTasks)
	assert.Equal(t, *first.CaseID, *next[0].CaseID)
	require.NotNil(t, next[0].AssigneeID)
	assert.Equal(t, alice, *next[0].AssigneeID)
	require.NotNil(t, res.NextTaskID)
	assert.Equal(t, next[0].ID, *res.NextTaskID)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: first.ID, UserID: alice})
	requireKind(t, err, engine.KindAlreadyCompleted)
	assert.Len(t, env.tasksAt(t, ids.Stages["s2"]), 1)
}

func TestEditResponsesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: edits}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := env.Engine.EnsureUser(env.Ctx, "bob@example.com")
	require.NoError(t, err)
	created, err := env.Engine.CreateInitialTask(env.Ctx, alice.ID, ids.Stages["s1"])
	require.NoError(t, err)

	first, err := env.Engine.EditResponses(env.Ctx, alice.ID, created.ID, domain.Responses{"draft": "one"})
	require.NoError(t, err)
	second, err := env.Engine.EditResponses(env.Ctx, alice.ID, created.ID, domain.Responses{"draft": "one"})
	require.NoError(t, err)
	assert.Equal(t, first.Responses, second.Responses)
	assert.False(t, second.Complete)

	_, err = env.Engine.EditResponses(env.Ctx, bob.ID, created.ID, domain.Responses{"draft": "two"})
	requireKind(t, err, engine.KindForbidden)
}

func TestConditionalBranch(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: branch}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [c]}
      - name: c
        kind: conditional
        conditions:
          - {field: verified, condition: "==", value: "yes", type: string}
        out: [s2]
      - {name: s2}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)

	env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"verified": "no"})
	assert.Empty(t, env.tasksAt(t, ids.Stages["s2"]))

	env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"verified": "yes"})
	assert.Len(t, env.tasksAt(t, ids.Stages["s2"]), 1)
}

func TestLimitConditionalsTakeFirstMatchByOrder(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: limits}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [lim_a, lim_b, lim_c]}
      - name: lim_a
        kind: conditional
        limit_order: 2
        conditions:
          - {field: count, condition: ">=", value: "0", type: integer}
        out: [a]
      - name: lim_b
        kind: conditional
        limit_order: 1
        conditions:
          - {field: count, condition: ">", value: "0", type: integer}
        out: [b]
      - name: lim_c
        kind: conditional
        limit_order: 3
        conditions: []
        out: [c]
      - {name: a}
      - {name: b}
      - {name: c}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"x": "y"})

	assert.Len(t, env.tasksAt(t, ids.Stages["a"]), 1)
	assert.Empty(t, env.tasksAt(t, ids.Stages["b"]))
	assert.Empty(t, env.tasksAt(t, ids.Stages["c"]))
}

const pingpongYAML = `
campaign: {name: pingpong}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [v]}
      - {name: v, out: [c]}
      - name: c
        kind: conditional
        pingpong: true
        conditions:
          - {field: verified, condition: "==", value: "no", type: string}
        out: [s1]
`

func TestPingpongReturn(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, pingpongYAML)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := env.Engine.EnsureUser(env.Ctx, "bob@example.com")
	require.NoError(t, err)

	s1, _ := env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"answer": "x"})
	verify := env.tasksAt(t, ids.Stages["v"])
	require.Len(t, verify, 1)
	_, err = env.Engine.RequestAssignment(env.Ctx, bob.ID, verify[0].ID)
	require.NoError(t, err)
	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: verify[0].ID, UserID: bob.ID, Responses: domain.Responses{"verified": "no"}})
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
	assert.Nil(t, res.NextTaskID, "returned task belongs to another user")

	back := env.task(t, s1.ID)
	assert.False(t, back.Complete)
	assert.True(t, back.Reopened)
	if diff := cmp.Diff(domain.Responses{"answer": "x"}, back.Responses); diff != "" {
		t.Fatalf("responses changed (-want +got):\n%s", diff)
	}
	inCase, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{CaseID: *s1.CaseID})
	require.NoError(t, err)
	assert.Len(t, inCase, 2)

	// The fix goes straight back to the verifier.
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s1.ID, UserID: alice.ID, Responses: domain.Responses{"answer": "y"}})
	require.NoError(t, err)
	again := env.task(t, verify[0].ID)
	assert.False(t, again.Complete)
	assert.True(t, again.Reopened)
	assert.True(t, again.AssignedTo(bob.ID))
	assert.Len(t, env.tasksAt(t, ids.Stages["v"]), 1)
}

func TestQuizBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: quiz}
chains:
  - name: flow
    stages:
      - name: exam
        creatable: true
        quiz:
          reference: {"1": a, "2": b, "3": a, "4": c, "5": d}
          threshold: 90
        out: [after]
      - {name: after}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)

	_, res := env.submit(t, alice.ID, ids.Stages["exam"], domain.Responses{"1": "a", "2": "b", "3": "a", "4": "c", "5": "b"})
	assert.False(t, res.Task.Complete)
	assert.True(t, res.Task.Reopened)
	assert.Equal(t, float64(80), res.Task.Responses["meta_quiz_score"])
	assert.Equal(t, []any{"5"}, res.Task.Responses["meta_quiz_incorrect_questions"])
	assert.Empty(t, env.tasksAt(t, ids.Stages["after"]))

	res, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: res.Task.ID, UserID: alice.ID, Responses: domain.Responses{"1": "a", "2": "b", "3": "a", "4": "c", "5": "d"}})
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
	assert.Equal(t, float64(100), res.Task.Responses["meta_quiz_score"])
	assert.Len(t, env.tasksAt(t, ids.Stages["after"]), 1)
}

func TestIntegratorMerge(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: merge}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [merge]}
      - {name: merge, assign: integrator, integrator: [oik]}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	for _, oik := range []int{4, 4, 4, 5, 5} {
		env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"oik": oik})
	}

	merged := env.tasksAt(t, ids.Stages["merge"])
	require.Len(t, merged, 2)
	assert.Len(t, merged[0].InTasks, 3)
	assert.Len(t, merged[1].InTasks, 2)
	assert.Equal(t, map[string]any{"oik": float64(4)}, merged[0].IntegratorGroup)
	assert.Equal(t, map[string]any{"oik": float64(5)}, merged[1].IntegratorGroup)
	for _, m := range merged {
		assert.True(t, m.AssignedTo(alice.ID))
		assert.False(t, m.Complete)
	}
}

func TestUncompleteIntegratorTask(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: uncomplete}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [merge]}
      - {name: merge, assign: integrator, integrator: [k], out: [s3]}
      - {name: s3}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	s1, _ := env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"k": 1})
	merged := env.tasksAt(t, ids.Stages["merge"])
	require.Len(t, merged, 1)

	_, err = env.Engine.Uncomplete(env.Ctx, alice.ID, merged[0].ID)
	requireKind(t, err, engine.KindImpossibleToUncomplete)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: merged[0].ID, UserID: alice.ID})
	require.NoError(t, err)
	require.Len(t, env.tasksAt(t, ids.Stages["s3"]), 1)

	back, err := env.Engine.Uncomplete(env.Ctx, alice.ID, merged[0].ID)
	require.NoError(t, err)
	assert.False(t, back.Complete)
	assert.True(t, back.Reopened)
	assert.Len(t, env.tasksAt(t, ids.Stages["s3"]), 1)

	_, err = env.Engine.Uncomplete(env.Ctx, alice.ID, s1.ID)
	requireKind(t, err, engine.KindImpossibleToUncomplete)
}

func TestOpenPrevious(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: goback}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [s2]}
      - {name: s2, assign: stage, assign_from: s1, allow_go_back: true, out: [s3]}
      - {name: s3, assign: stage, assign_from: s1}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	s1, res := env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"a": 1})
	require.NotNil(t, res.NextTaskID)
	s2 := *res.NextTaskID

	prev, err := env.Engine.OpenPrevious(env.Ctx, alice.ID, s2)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, prev.ID)
	assert.False(t, prev.Complete)
	assert.True(t, prev.Reopened)

	res, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s1.ID, UserID: alice.ID})
	require.NoError(t, err)
	require.NotNil(t, res.NextTaskID)
	assert.Equal(t, s2, *res.NextTaskID)
	assert.Len(t, env.tasksAt(t, ids.Stages["s2"]), 1)

	res, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s2, UserID: alice.ID})
	require.NoError(t, err)
	require.NotNil(t, res.NextTaskID)
	_, err = env.Engine.OpenPrevious(env.Ctx, alice.ID, *res.NextTaskID)
	requireKind(t, err, engine.KindImpossibleToGoBack)
}

const awardYAML = `
campaign: {name: awards}
tracks:
  - name: main
    default_rank: member
    ranks:
      - {name: member}
      - {name: expert}
      - {name: mentor, prerequisites: [member, expert]}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [v]}
      - {name: v, out: [auto]}
      - {name: auto, assign: auto_complete, out: [final]}
      - {name: final}
awards:
  - {completion: s1, verified: v, rank: expert, count: 3, notification_title: Promoted}
`

// verifyPair runs one s1 -> v round: author submits, verifier picks up and approves.
func (env testEnv) verifyPair(t *testing.T, ids engine.ImportResult, author, verifier int64) {
	t.Helper()
	s1, _ := env.submit(t, author, ids.Stages["s1"], domain.Responses{"answer": "ok"})
	var target int64
	for _, v := range env.tasksAt(t, ids.Stages["v"]) {
		if len(v.InTasks) == 1 && v.InTasks[0] == s1.ID {
			target = v.ID
		}
	}
	require.NotZero(t, target)
	_, err := env.Engine.RequestAssignment(env.Ctx, verifier, target)
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: target, UserID: verifier, Responses: domain.Responses{"verified": "yes"}})
	require.NoError(t, err)
}

func rankNames(recs []domain.RankRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.RankName)
	}
	sort.Strings(out)
	return out
}

func TestAwardGrant(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, awardYAML)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)
	bob := env.member(t, "bob@example.com", ids.Campaign.ID)

	for i := 0; i < 2; i++ {
		env.verifyPair(t, ids, alice, bob)
	}
	ranks, err := env.Engine.UserRanks(env.Ctx, alice, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"member"}, rankNames(ranks))

	env.verifyPair(t, ids, alice, bob)
	ranks, err = env.Engine.UserRanks(env.Ctx, alice, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"expert", "member", "mentor"}, rankNames(ranks))

	env.verifyPair(t, ids, alice, bob)
	ranks, err = env.Engine.UserRanks(env.Ctx, alice, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Len(t, ranks, 3)

	notes, err := env.Engine.ListNotifications(env.Ctx, alice, ids.Campaign.ID, false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Promoted", notes[0].Title)

	require.NoError(t, env.Engine.MarkNotificationRead(env.Ctx, alice, notes[0].ID))
	unread, err := env.Engine.ListNotifications(env.Ctx, alice, ids.Campaign.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Error(t, env.Engine.MarkNotificationRead(env.Ctx, bob, notes[0].ID))
}

func TestAwardStopChain(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: stopper}
tracks:
  - name: main
    ranks:
      - {name: expert}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [v]}
      - {name: v, out: [auto]}
      - {name: auto, assign: auto_complete, out: [final]}
      - {name: final}
awards:
  - {completion: s1, verified: v, rank: expert, count: 1, stop_chain: true}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := env.Engine.EnsureUser(env.Ctx, "bob@example.com")
	require.NoError(t, err)

	env.verifyPair(t, ids, alice.ID, bob.ID)
	assert.Len(t, env.tasksAt(t, ids.Stages["auto"]), 1)
	assert.Empty(t, env.tasksAt(t, ids.Stages["final"]), "granting award stops the chain")

	env.verifyPair(t, ids, alice.ID, bob.ID)
	assert.Len(t, env.tasksAt(t, ids.Stages["final"]), 1)
}

func TestAwardIgnoresForceCompleted(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, awardYAML)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)
	bob := env.member(t, "bob@example.com", ids.Campaign.ID)

	for i := 0; i < 2; i++ {
		env.verifyPair(t, ids, alice, bob)
	}
	forced, err := env.Engine.CreateInitialTask(env.Ctx, alice, ids.Stages["s1"])
	require.NoError(t, err)
	_, err = env.Engine.ForceComplete(env.Ctx, alice, forced.ID)
	require.NoError(t, err)
	_, err = env.Engine.ForceComplete(env.Ctx, alice, forced.ID)
	requireKind(t, err, engine.KindAlreadyCompleted)
	assert.Len(t, env.tasksAt(t, ids.Stages["v"]), 2, "force completion does not traverse")

	ranks, err := env.Engine.UserRanks(env.Ctx, alice, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"member"}, rankNames(ranks))
}

func TestPreviousManualAssignment(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: manual}`+trackYAML+`
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [review]}
      - name: review
        assign: previous_manual
        previous_manual: {source: s1, field: reviewer}
`)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)
	bob := env.member(t, "bob@example.com", ids.Campaign.ID)
	_, err := env.Engine.EnsureUser(env.Ctx, "carol@example.com")
	require.NoError(t, err)

	s1, err := env.Engine.CreateInitialTask(env.Ctx, alice, ids.Stages["s1"])
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s1.ID, UserID: alice, Responses: domain.Responses{"reviewer": "nobody@example.com"}})
	requireKind(t, err, engine.KindUserNotFound)
	back := env.task(t, s1.ID)
	assert.False(t, back.Complete)
	assert.True(t, back.Reopened)
	assert.Equal(t, "nobody@example.com", back.Responses["reviewer"], "responses survive for correction")
	assert.Empty(t, env.tasksAt(t, ids.Stages["review"]))

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s1.ID, UserID: alice, Responses: domain.Responses{"reviewer": "carol@example.com"}})
	requireKind(t, err, engine.KindUserNotInCampaign)
	assert.Empty(t, env.tasksAt(t, ids.Stages["review"]))

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: s1.ID, UserID: alice, Responses: domain.Responses{"reviewer": "bob@example.com"}})
	require.NoError(t, err)
	review := env.tasksAt(t, ids.Stages["review"])
	require.Len(t, review, 1)
	assert.True(t, review[0].AssignedTo(bob))
}

func TestCompletionGuard(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: guard}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	created, err := env.Engine.CreateInitialTask(env.Ctx, alice.ID, ids.Stages["s1"])
	require.NoError(t, err)

	unlock, ok := env.Engine.Locks.TryLock(fmt.Sprintf("task:%d", created.ID))
	require.True(t, ok)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: alice.ID})
	requireKind(t, err, engine.KindCompletionInProgress)
	assert.True(t, engine.IsRetryable(err))
	unlock()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	held, err := env.Engine.Repo.AcquireTaskLock(env.Ctx, repo.TaskLock{
		TaskID:     created.ID,
		Token:      "other-process",
		AcquiredAt: domain.FormatTime(now),
		ExpiresAt:  domain.FormatTime(now.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.True(t, held)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: alice.ID})
	requireKind(t, err, engine.KindCompletionInProgress)
	require.NoError(t, env.Engine.Repo.ReleaseTaskLock(env.Ctx, created.ID, "other-process"))

	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: alice.ID})
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
	_, err = env.Engine.GetTask(env.Ctx, created.ID+100)
	requireKind(t, err, engine.KindNotFound)
}

func TestConcurrentCompletionsOfOneTask(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: race}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [s2]}
      - {name: s2}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	created, err := env.Engine.CreateInitialTask(env.Ctx, alice.ID, ids.Stages["s1"])
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: alice.ID, Responses: domain.Responses{"n": i}})
		}(i)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		kind := engine.KindOf(err)
		assert.Contains(t, []engine.Kind{engine.KindCompletionInProgress, engine.KindAlreadyCompleted}, kind, "error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, env.tasksAt(t, ids.Stages["s2"]), 1)
}

func TestDynamicSchemaNarrowsEnum(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: slots}
chains:
  - name: flow
    stages:
      - name: pick
        creatable: true
        schema:
          type: object
          properties:
            slot: {type: string, enum: [a, b]}
        dynamic_json:
          - {main: slot, count: 1}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	stage := ids.Stages["pick"]

	bad, err := env.Engine.CreateInitialTask(env.Ctx, alice.ID, stage)
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: bad.ID, UserID: alice.ID, Responses: domain.Responses{"slot": "z"}})
	requireKind(t, err, engine.KindValidation)
	var ee *engine.Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "slot", ee.Path)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: bad.ID, UserID: alice.ID, Responses: domain.Responses{"slot": "a"}})
	require.NoError(t, err)

	schema, err := env.Engine.LoadSchema(env.Ctx, stage, domain.Responses{})
	require.NoError(t, err)
	props := schema["properties"].(map[string]any)
	assert.Equal(t, []any{"b"}, props["slot"].(map[string]any)["enum"])
}

func TestFabricateStage(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: fabricate}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [score]}
      - name: score
        webhook:
          url: http://scorer.test/score
          kind: fabricate
          response_field: result
          params: {model: v1}
        out: [after]
      - {name: after}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	env.Hooks.reply = map[string]any{"result": map[string]any{"score": 7}}

	s1, _ := env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"answer": "hi"})
	require.Len(t, env.Hooks.calls, 1)
	call := env.Hooks.calls[0]
	assert.Equal(t, "POST", call.Method)
	assert.Equal(t, "http://scorer.test/score", call.URL)
	assert.Equal(t, map[string]any{"answer": "hi", "model": "v1", "in_task_id": s1.ID}, call.Payload)

	made := env.tasksAt(t, ids.Stages["score"])
	require.Len(t, made, 1)
	assert.True(t, made[0].Complete)
	assert.Equal(t, []int64{s1.ID}, made[0].InTasks)
	assert.Equal(t, domain.Responses{"score": float64(7)}, made[0].Responses)
	after := env.tasksAt(t, ids.Stages["after"])
	require.Len(t, after, 1)
	assert.Equal(t, []int64{made[0].ID}, after[0].InTasks)
}

func TestWebhookFailureLeavesDurableRecord(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: outage}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [score]}
      - name: score
        webhook: {url: http://scorer.test/score, kind: fabricate}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	env.Hooks.err = &webhook.StatusError{StatusCode: 502, Body: "bad gateway"}

	created, err := env.Engine.CreateInitialTask(env.Ctx, alice.ID, ids.Stages["s1"])
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: created.ID, UserID: alice.ID, Responses: domain.Responses{"answer": "hi"}})
	requireKind(t, err, engine.KindServiceUnavailable)

	assert.False(t, env.task(t, created.ID).Complete, "completion rolls back")
	assert.Empty(t, env.tasksAt(t, ids.Stages["score"]))

	records, err := env.Engine.ListErrors(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0].Responses
	assert.Equal(t, "service_unavailable", rec["kind"])
	assert.Equal(t, float64(ids.Stages["score"]), rec["stage_id"])
	assert.Equal(t, float64(ids.Campaign.ID), rec["campaign_id"])
	assert.Contains(t, rec["traceback"], "bad gateway")
	assert.NotEmpty(t, rec["correlation_id"])
}

func TestSelectionRespectsRankLimits(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: selection}
tracks:
  - name: main
    default_rank: member
    ranks:
      - {name: member}
      - {name: senior}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [check]}
      - name: check
        rank_limits:
          - {rank: senior, open_limit: 1, listing: true}
`)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)
	bob := env.member(t, "bob@example.com", ids.Campaign.ID)
	_, err := env.Engine.Repo.GrantRank(env.Ctx, bob, ids.Ranks["senior"], domain.FormatTime(time.Now()))
	require.NoError(t, err)

	env.submit(t, alice, ids.Stages["s1"], domain.Responses{"n": 1})
	env.submit(t, alice, ids.Stages["s1"], domain.Responses{"n": 2})

	open, err := env.Engine.ListSelectableTasks(env.Ctx, bob, ids.Campaign.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	none, err := env.Engine.ListSelectableTasks(env.Ctx, alice, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.Engine.RequestAssignment(env.Ctx, alice, open[0].ID)
	requireKind(t, err, engine.KindForbidden)

	_, err = env.Engine.RequestAssignment(env.Ctx, bob, open[0].ID)
	require.NoError(t, err)
	_, err = env.Engine.RequestAssignment(env.Ctx, bob, open[1].ID)
	requireKind(t, err, engine.KindForbidden)

	left, err := env.Engine.ListSelectableTasks(env.Ctx, bob, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, left, "open quota is exhausted")

	_, err = env.Engine.ReleaseAssignment(env.Ctx, bob, open[0].ID)
	requireKind(t, err, engine.KindForbidden)
}

func TestImportRejectsUnknownOperator(t *testing.T) {
	env := newTestEnv(t)
	bp, err := config.BlueprintFromYAML([]byte(`
campaign: {name: broken}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [c]}
      - name: c
        kind: conditional
        conditions:
          - {field: a, condition: "~=", value: "1", type: string}
`))
	require.NoError(t, err)
	_, err = env.Engine.ImportBlueprint(env.Ctx, bp, 0)
	requireKind(t, err, engine.KindValidation)

	campaigns, err := env.Engine.Repo.ListCampaigns(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, campaigns, "failed import leaves nothing behind")
}

func notificationTitles(t *testing.T, env testEnv, userID, campaignID int64) []string {
	t.Helper()
	ns, err := env.Engine.ListNotifications(env.Ctx, userID, campaignID, false)
	require.NoError(t, err)
	titles := make([]string, 0, len(ns))
	for _, n := range ns {
		require.NotNil(t, n.TargetUserID)
		assert.Equal(t, userID, *n.TargetUserID)
		titles = append(titles, n.Title)
	}
	sort.Strings(titles)
	return titles
}

func TestAutoNotificationsForwardAndBackward(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, pingpongYAML+`
auto_notifications:
  - {trigger: s1, recipient: s1, direction: FORWARD, title: fwd}
  - {trigger: v, recipient: s1, direction: BACKWARD, title: back}
  - {trigger: v, recipient: s1, direction: FORWARD, title: never}
  - {trigger: v, recipient: v, direction: LAST_ONE, title: never-last}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := env.Engine.EnsureUser(env.Ctx, "bob@example.com")
	require.NoError(t, err)

	env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"answer": "x"})
	assert.Equal(t, []string{"fwd"}, notificationTitles(t, env, alice.ID, ids.Campaign.ID))

	verify := env.tasksAt(t, ids.Stages["v"])
	require.Len(t, verify, 1)
	_, err = env.Engine.RequestAssignment(env.Ctx, bob.ID, verify[0].ID)
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: verify[0].ID, UserID: bob.ID, Responses: domain.Responses{"verified": "no"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"back", "fwd"}, notificationTitles(t, env, alice.ID, ids.Campaign.ID))
	assert.Empty(t, notificationTitles(t, env, bob.ID, ids.Campaign.ID))
}

func TestAutoNotificationsLastOne(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: last}
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [s2]}
      - {name: s2, assign: stage, assign_from: s1}
  - name: single
    stages:
      - {name: solo, creatable: true}
auto_notifications:
  - {trigger: s2, recipient: s1, direction: LAST_ONE, title: done}
  - {trigger: s2, recipient: s1, direction: FORWARD, title: never}
  - {trigger: solo, recipient: solo, direction: LAST_ONE, title: solo-done}
`)
	alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := env.Engine.EnsureUser(env.Ctx, "bob@example.com")
	require.NoError(t, err)

	_, res := env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"a": "1"})
	require.NotNil(t, res.NextTaskID)
	assert.Empty(t, notificationTitles(t, env, alice.ID, ids.Campaign.ID))

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: *res.NextTaskID, UserID: alice.ID, Responses: domain.Responses{"b": "2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, notificationTitles(t, env, alice.ID, ids.Campaign.ID))

	env.submit(t, bob.ID, ids.Stages["solo"], domain.Responses{"c": "3"})
	assert.Equal(t, []string{"solo-done"}, notificationTitles(t, env, bob.ID, ids.Campaign.ID))
}

func copyYAML(s2 string) string {
	return `
campaign: {name: copies}
chains:
  - name: profiles
    stages:
      - {name: profile, creatable: true}
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [s2]}
      - name: s2
` + s2
}

func TestCopyFields(t *testing.T) {
	tests := []struct {
		name        string
		s2          string
		withProfile bool
		want        domain.Responses
	}{
		{
			name: "case scope renames field",
			s2: `        assign: stage
        assign_from: s1
        copy_fields:
          - {from: s1, scope: case, fields: {a: b}}
`,
			want: domain.Responses{"b": "v1"},
		},
		{
			name: "copy input before copy fields",
			s2: `        copy_input: true
        copy_fields:
          - {from: s1, scope: case, fields: {a: b}}
`,
			want: domain.Responses{"a": "v1", "b": "v1", "c": "three"},
		},
		{
			name: "copy all",
			s2: `        copy_fields:
          - {from: s1, scope: case, copy_all: true}
`,
			want: domain.Responses{"a": "v1", "c": "three"},
		},
		{
			name: "user scope reads the assignee",
			s2: `        assign: stage
        assign_from: s1
        copy_fields:
          - {from: profile, scope: user, fields: {city: home}}
`,
			withProfile: true,
			want:        domain.Responses{"home": "Oslo"},
		},
		{
			name: "user scope falls back to input assignee",
			s2: `        copy_fields:
          - {from: profile, scope: user, fields: {city: home}}
`,
			withProfile: true,
			want:        domain.Responses{"home": "Oslo"},
		},
		{
			name: "missing source leaves responses",
			s2: `        assign: stage
        assign_from: s1
        copy_fields:
          - {from: profile, scope: user, fields: {city: home}}
`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ids := env.importYAML(t, copyYAML(tc.s2))
			alice, err := env.Engine.EnsureUser(env.Ctx, "alice@example.com")
			require.NoError(t, err)
			if tc.withProfile {
				env.submit(t, alice.ID, ids.Stages["profile"], domain.Responses{"city": "Oslo"})
			}
			env.submit(t, alice.ID, ids.Stages["s1"], domain.Responses{"a": "v1", "c": "three"})

			next := env.tasksAt(t, ids.Stages["s2"])
			require.Len(t, next, 1)
			if len(tc.want) == 0 {
				assert.Empty(t, next[0].Responses)
				return
			}
			if diff := cmp.Diff(tc.want, next[0].Responses); diff != "" {
				t.Fatalf("responses mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAvailabilityWindow(t *testing.T) {
	env := newTestEnv(t)
	ids := env.importYAML(t, `
campaign: {name: window}`+trackYAML+`
chains:
  - name: flow
    stages:
      - {name: s1, creatable: true, out: [s2]}
      - name: s2
        datetime: {after_how_much_hours: 2, how_much_hours: 24}
        rank_limits:
          - {rank: member, listing: true}
`)
	alice := env.member(t, "alice@example.com", ids.Campaign.ID)
	bob := env.member(t, "bob@example.com", ids.Campaign.ID)
	at := func(day, hour int) func() time.Time {
		return func() time.Time { return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC) }
	}

	env.submit(t, alice, ids.Stages["s1"], domain.Responses{"a": "1"})
	next := env.tasksAt(t, ids.Stages["s2"])
	require.Len(t, next, 1)
	require.NotNil(t, next[0].StartPeriod)
	require.NotNil(t, next[0].EndPeriod)
	assert.Equal(t, "2024-01-01T02:00:00.000000Z", *next[0].StartPeriod)
	assert.Equal(t, "2024-01-02T02:00:00.000000Z", *next[0].EndPeriod)

	open, err := env.Engine.ListSelectableTasks(env.Ctx, bob, ids.Campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, open, "task is not open yet")
	_, err = env.Engine.RequestAssignment(env.Ctx, bob, next[0].ID)
	requireKind(t, err, engine.KindValidation)

	env.Engine.Now = at(1, 3)
	open, err = env.Engine.ListSelectableTasks(env.Ctx, bob, ids.Campaign.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	_, err = env.Engine.RequestAssignment(env.Ctx, bob, next[0].ID)
	require.NoError(t, err)

	env.Engine.Now = at(1, 1)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: next[0].ID, UserID: bob, Responses: domain.Responses{"b": "2"}})
	requireKind(t, err, engine.KindValidation)

	env.Engine.Now = at(2, 3)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: next[0].ID, UserID: bob, Responses: domain.Responses{"b": "2"}})
	requireKind(t, err, engine.KindValidation)

	env.Engine.Now = at(1, 12)
	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{TaskID: next[0].ID, UserID: bob, Responses: domain.Responses{"b": "2"}})
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
}
