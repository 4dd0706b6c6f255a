package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/lock"
	"stageline/internal/repo"
	"stageline/internal/telemetry"
	"stageline/internal/webhook"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Settings *config.Settings
	Auth     auth.Service
	Webhooks webhook.Caller
	// Locks serializes completion per task; Groups serializes integrator merges per group key.
	Locks   *lock.Keyed
	Groups  *lock.Keyed
	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
	Now     func() time.Time
}

func New(conn *sql.DB, s *config.Settings) Engine {
	if s == nil {
		s = config.Default()
	}
	logger := zap.NewNop()
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Settings: s,
		Webhooks: webhook.Invoker{Timeout: s.Webhook.Timeout, MaxRetries: s.Webhook.MaxRetries, Logger: logger},
		Locks:    lock.NewKeyed(),
		Groups:   lock.NewKeyed(),
		Logger:   logger,
		Tracer:   telemetry.Tracer("stageline/engine"),
		Metrics:  NewMetrics(telemetry.Meter("stageline/engine")),
		Now:      time.Now,
	}
}

// WithLogger returns a copy of e logging to l, webhook invoker included.
func (e Engine) WithLogger(l *zap.Logger) Engine {
	if l == nil {
		l = zap.NewNop()
	}
	e.Logger = l
	if inv, ok := e.Webhooks.(webhook.Invoker); ok {
		inv.Logger = l.Named("webhook")
		e.Webhooks = inv
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.Tracer("stageline/engine")
}

func (e Engine) metrics() *Metrics {
	if e.Metrics != nil {
		return e.Metrics
	}
	return NewMetrics(telemetry.Meter("stageline/engine"))
}

func (e Engine) maxDepth() int {
	if e.Settings != nil && e.Settings.Engine.MaxDepth > 0 {
		return e.Settings.Engine.MaxDepth
	}
	return config.DefaultMaxDepth
}

func (e Engine) lockTTL() time.Duration {
	if e.Settings != nil && e.Settings.Engine.LockTTL > 0 {
		return e.Settings.Engine.LockTTL
	}
	return config.DefaultLockTTL
}

// run carries the state of one mutating command inside its transaction.
type run struct {
	tx     *sql.Tx
	r      repo.Repo
	userID int64
	// next is the first task created for userID, handed back to the caller.
	next      *int64
	depth     int
	stages    map[int64]domain.Stage
	campaigns map[int64]int64
}

func (e Engine) begin(ctx context.Context, userID int64) (*run, error) {
	tx, err := db.BeginTx(ctx, e.DB)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &run{
		tx:        tx,
		r:         e.Repo.WithTx(tx),
		userID:    userID,
		stages:    map[int64]domain.Stage{},
		campaigns: map[int64]int64{},
	}, nil
}

func (rn *run) stage(ctx context.Context, id int64) (domain.Stage, error) {
	if s, ok := rn.stages[id]; ok {
		return s, nil
	}
	s, err := rn.r.GetStage(ctx, id)
	if err != nil {
		return s, notFound("stage", id, err)
	}
	rn.stages[id] = s
	return s, nil
}

func (rn *run) campaignOf(ctx context.Context, stageID int64) int64 {
	if id, ok := rn.campaigns[stageID]; ok {
		return id
	}
	id, err := rn.r.CampaignOfStage(ctx, stageID)
	if err != nil {
		return 0
	}
	rn.campaigns[stageID] = id
	return id
}

func (rn *run) handOff(t domain.Task) {
	if rn.next == nil && !t.Complete && t.AssignedTo(rn.userID) {
		id := t.ID
		rn.next = &id
	}
}

func (e Engine) emit(ctx context.Context, rn *run, evtType string, stageID int64, entityKind string, entityID int64, payload events.EventPayload) error {
	var campaignID int64
	if stageID != 0 {
		campaignID = rn.campaignOf(ctx, stageID)
	}
	return e.Events.Append(ctx, rn.tx, evtType, campaignID, entityKind, entityID, rn.userID, payload)
}

func (e Engine) updateTask(ctx context.Context, rn *run, t *domain.Task) error {
	t.UpdatedAt = e.stamp()
	if err := rn.r.UpdateTask(ctx, *t); err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return nil
}

func (e Engine) loadTask(ctx context.Context, rn *run, id int64) (domain.Task, error) {
	t, err := rn.r.GetTask(ctx, id)
	if err != nil {
		return t, notFound("task", id, err)
	}
	return t, nil
}

// GetTask reads a task outside any command.
func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, notFound("task", id, err)
	}
	return t, nil
}

func taskKey(id int64) string {
	return fmt.Sprintf("task:%d", id)
}

func int64Ptr(v int64) *int64 {
	return &v
}
