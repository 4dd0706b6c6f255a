package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine counters.
type Metrics struct {
	completions  metric.Int64Counter
	tasksCreated metric.Int64Counter
	rankGrants   metric.Int64Counter
	webhookCalls metric.Int64Counter
	errors       metric.Int64Counter
}

// NewMetrics registers the counters on m. Instruments that fail to register
// are left nil and skipped.
func NewMetrics(m metric.Meter) *Metrics {
	out := &Metrics{}
	out.completions, _ = m.Int64Counter("stageline.task.completions", metric.WithDescription("Task completions by outcome"))
	out.tasksCreated, _ = m.Int64Counter("stageline.task.created", metric.WithDescription("Tasks created by traversal"))
	out.rankGrants, _ = m.Int64Counter("stageline.rank.grants", metric.WithDescription("Ranks granted"))
	out.webhookCalls, _ = m.Int64Counter("stageline.webhook.calls", metric.WithDescription("Outbound webhook calls by outcome"))
	out.errors, _ = m.Int64Counter("stageline.errors.recorded", metric.WithDescription("Durable error records"))
	return out
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) completed(ctx context.Context, outcome string) {
	add(ctx, m.completions, attribute.String("outcome", outcome))
}

func (m *Metrics) created(ctx context.Context, policy string) {
	add(ctx, m.tasksCreated, attribute.String("policy", policy))
}

func (m *Metrics) granted(ctx context.Context) {
	add(ctx, m.rankGrants)
}

func (m *Metrics) webhook(ctx context.Context, ok bool) {
	add(ctx, m.webhookCalls, attribute.Bool("ok", ok))
}

func (m *Metrics) recorded(ctx context.Context, kind Kind) {
	add(ctx, m.errors, attribute.String("kind", string(kind)))
}
