package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// UserID is sent as X-User-Id when no bearer token is set.
	UserID     int64
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type Task struct {
	ID         int64          `json:"id"`
	StageID    int64          `json:"stage_id"`
	CaseID     *int64         `json:"case_id,omitempty"`
	AssigneeID *int64         `json:"assignee_id,omitempty"`
	Responses  map[string]any `json:"responses"`
	Complete   bool           `json:"complete"`
	Reopened   bool           `json:"reopened"`
	InTasks    []int64        `json:"in_tasks"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type CompleteResult struct {
	Task       Task   `json:"task"`
	NextTaskID *int64 `json:"next_task_id,omitempty"`
}

type Campaign struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ImportResult struct {
	Campaign Campaign         `json:"campaign"`
	Chains   map[string]int64 `json:"chains"`
	Stages   map[string]int64 `json:"stages"`
	Ranks    map[string]int64 `json:"ranks"`
}

type RankRecord struct {
	RankID   int64  `json:"rank_id"`
	RankName string `json:"rank_name,omitempty"`
}

type Notification struct {
	ID         int64   `json:"id"`
	CampaignID int64   `json:"campaign_id"`
	Title      string  `json:"title"`
	Text       string  `json:"text,omitempty"`
	ReadAt     *string `json:"read_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CampaignID int64          `json:"campaign_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   int64          `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the server error kind.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked for the same command to be retried.
func (e *APIError) Retryable() bool {
	return e.Code == "completion_in_progress"
}

func (c *Client) RegisterUser(ctx context.Context, email string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", map[string]any{"email": email}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// ImportBlueprint creates a campaign from a YAML blueprint.
func (c *Client) ImportBlueprint(ctx context.Context, yaml string) (ImportResult, error) {
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "campaigns", map[string]any{"yaml": yaml}, &resp)
	return resp, err
}

func (c *Client) JoinCampaign(ctx context.Context, campaignID int64) ([]RankRecord, error) {
	var resp []RankRecord
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("campaigns/%d/join", campaignID), nil, &resp)
	return resp, err
}

func (c *Client) Ranks(ctx context.Context, campaignID int64) ([]RankRecord, error) {
	var resp []RankRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("campaigns/%d/ranks", campaignID), nil, &resp)
	return resp, err
}

// CreateTask opens a case at a creatable stage.
func (c *Client) CreateTask(ctx context.Context, stageID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%d/tasks", stageID), nil, &resp)
	return resp, err
}

func (c *Client) Schema(ctx context.Context, stageID int64, responses map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%d/schema", stageID), map[string]any{"responses": responses}, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", taskID), nil, &resp)
	return resp, err
}

// MyTasks lists tasks assigned to the caller. status is "", "open" or "complete".
func (c *Client) MyTasks(ctx context.Context, campaignID int64, status string) ([]Task, error) {
	q := url.Values{}
	if campaignID != 0 {
		q.Set("campaign_id", strconv.FormatInt(campaignID, 10))
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Selectable(ctx context.Context, campaignID int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("campaigns/%d/selectable", campaignID), nil, &resp)
	return resp, err
}

func (c *Client) EditResponses(ctx context.Context, taskID int64, responses map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d/responses", taskID), map[string]any{"responses": responses}, &resp)
	return resp, err
}

// Complete submits a task. Nil responses keep the stored ones.
func (c *Client) Complete(ctx context.Context, taskID int64, responses map[string]any) (CompleteResult, error) {
	body := map[string]any{}
	if responses != nil {
		body["responses"] = responses
	}
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/complete", taskID), body, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "assign")
}

func (c *Client) Release(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "release")
}

func (c *Client) Uncomplete(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "uncomplete")
}

func (c *Client) OpenPrevious(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "previous")
}

func (c *Client) ForceComplete(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "force-complete")
}

func (c *Client) TriggerWebhook(ctx context.Context, taskID int64) (Task, error) {
	return c.taskCommand(ctx, taskID, "webhook")
}

func (c *Client) taskCommand(ctx context.Context, taskID int64, action string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/%s", taskID, action), nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, campaignID int64, unreadOnly bool) ([]Notification, error) {
	endpoint := fmt.Sprintf("campaigns/%d/notifications", campaignID)
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, notificationID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("notifications/%d/read", notificationID), nil, nil)
}

func (c *Client) Errors(ctx context.Context, limit int) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("errors?limit=%d", limit), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, campaignID int64, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("campaigns/%d/events", campaignID)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != 0:
		req.Header.Set("X-User-Id", strconv.FormatInt(c.UserID, 10))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
