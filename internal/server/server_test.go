package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	stagelinesdk "stageline/sdk/go"
)

const testSecret = "test-secret"

const reviewBlueprint = `
campaign: {name: review}
tracks:
  - name: main
    default_rank: member
    ranks:
      - name: member
chains:
  - name: flow
    stages:
      - name: draft
        creatable: true
        schema:
          type: object
          properties:
            title: {type: string}
          required: [title]
        out: [review]
      - name: review
        rank_limits:
          - {rank: member, listing: true}
`

type testServer struct {
	URL    string
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	_, err = e.EnsureErrorsCampaign(context.Background())
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowUserHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e}
}

// client registers email and returns an SDK client acting as that user.
func (s *testServer) client(t *testing.T, email string) *stagelinesdk.Client {
	t.Helper()
	c := stagelinesdk.New(s.URL)
	u, err := c.RegisterUser(context.Background(), email)
	require.NoError(t, err)
	c.UserID = u.ID
	return c
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *stagelinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.StatusCode, apiErr.Code
}

func TestHealthIsOpenAndMeRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/v0/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/v0/me")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	res, err = http.Get(srv.URL + "/v0/openapi.json")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "bearerAuth")
	assert.Contains(t, string(body), "/v0/tasks/{task_id}/complete")
}

func TestBearerTokenIdentity(t *testing.T) {
	srv := newTestServer(t)
	token, err := IssueToken(testSecret, "carol@example.com", time.Hour)
	require.NoError(t, err)

	c := stagelinesdk.New(srv.URL)
	c.BearerToken = token
	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", me.Email)

	c.BearerToken = token + "x"
	_, err = c.Me(context.Background())
	status, code := apiCode(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", code)
}

func TestCaseFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.client(t, "alice@example.com")
	bob := srv.client(t, "bob@example.com")

	imported, err := alice.ImportBlueprint(ctx, reviewBlueprint)
	require.NoError(t, err)
	campaignID := imported.Campaign.ID
	ranks, err := alice.JoinCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, "member", ranks[0].RankName)
	_, err = bob.JoinCampaign(ctx, campaignID)
	require.NoError(t, err)

	draft, err := alice.CreateTask(ctx, imported.Stages["draft"])
	require.NoError(t, err)

	_, err = alice.Complete(ctx, draft.ID, nil)
	status, code := apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(engine.KindValidation), code)

	_, err = alice.EditResponses(ctx, draft.ID, map[string]any{"title": "first"})
	require.NoError(t, err)
	res, err := alice.Complete(ctx, draft.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Task.Complete)
	assert.Equal(t, "first", res.Task.Responses["title"])
	assert.Nil(t, res.NextTaskID, "review task is unassigned")

	_, err = alice.Complete(ctx, draft.ID, nil)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(engine.KindAlreadyCompleted), code)

	open, err := bob.Selectable(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []int64{draft.ID}, open[0].InTasks)

	review, err := bob.Assign(ctx, open[0].ID)
	require.NoError(t, err)
	require.NotNil(t, review.AssigneeID)

	_, err = bob.Release(ctx, review.ID)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(engine.KindForbidden), code)

	mine, err := bob.MyTasks(ctx, campaignID, "open")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, review.ID, mine[0].ID)

	page, err := alice.EventsPage(ctx, campaignID, 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
	next, err := alice.EventsPage(ctx, campaignID, 100, page.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, next.Items)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)
}

func TestCompletionInProgressIsRetryable(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.client(t, "alice@example.com")
	imported, err := alice.ImportBlueprint(ctx, reviewBlueprint)
	require.NoError(t, err)
	draft, err := alice.CreateTask(ctx, imported.Stages["draft"])
	require.NoError(t, err)

	unlock, ok := srv.Engine.Locks.TryLock(fmt.Sprintf("task:%d", draft.ID))
	require.True(t, ok)
	_, err = alice.Complete(ctx, draft.ID, map[string]any{"title": "x"})
	unlock()

	var apiErr *stagelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, true, apiErr.Details["retryable"])

	_, err = alice.Complete(ctx, draft.ID, map[string]any{"title": "x"})
	require.NoError(t, err)
}

func TestNotificationsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.client(t, "alice@example.com")
	bob := srv.client(t, "bob@example.com")
	imported, err := alice.ImportBlueprint(ctx, reviewBlueprint)
	require.NoError(t, err)
	campaignID := imported.Campaign.ID
	_, err = bob.JoinCampaign(ctx, campaignID)
	require.NoError(t, err)

	rank := imported.Ranks["member"]
	res, err := http.Post(srv.URL+fmt.Sprintf("/v0/campaigns/%d/notifications", campaignID), "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	_, err = srv.Engine.SendNotification(ctx, alice.UserID, engine.SendNotificationOptions{CampaignID: campaignID, Title: "Welcome", TargetRankID: &rank})
	require.NoError(t, err)

	notes, err := bob.Notifications(ctx, campaignID, true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Welcome", notes[0].Title)

	err = alice.MarkRead(ctx, notes[0].ID)
	status, _ := apiCode(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	require.NoError(t, bob.MarkRead(ctx, notes[0].ID))
	notes, err = bob.Notifications(ctx, campaignID, true)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestEventHooksDeliverNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("X-Stageline-Event"))
		mu.Unlock()
		assert.Equal(t, "s3cret", r.Header.Get("X-Stageline-Secret"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	hooks := &EventHooks{
		Repo:  srv.Engine.Repo,
		Hooks: []config.EventHook{{URL: sink.URL, Events: []string{"task.completed"}, Secret: "s3cret"}},
	}
	hooks.DispatchAll(ctx)

	alice := srv.client(t, "alice@example.com")
	imported, err := alice.ImportBlueprint(ctx, reviewBlueprint)
	require.NoError(t, err)
	draft, err := alice.CreateTask(ctx, imported.Stages["draft"])
	require.NoError(t, err)
	_, err = alice.Complete(ctx, draft.ID, map[string]any{"title": "x"})
	require.NoError(t, err)

	hooks.DispatchAll(ctx)
	hooks.DispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task.completed"}, got)
}
