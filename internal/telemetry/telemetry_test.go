package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/telemetry"
)

func TestDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, telemetry.Init(context.Background(), "stageline", "test", telemetry.Options{}))
	_, span := telemetry.Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	telemetry.Shutdown(context.Background())
}

func TestStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, telemetry.Init(context.Background(), "stageline", "test", telemetry.Options{Enabled: true, Stdout: true, Writer: &buf}))
	_, span := telemetry.Tracer("stageline/test").Start(context.Background(), "complete")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	counter, err := telemetry.Meter("").Int64Counter("stageline.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	telemetry.Shutdown(context.Background())
	assert.Contains(t, buf.String(), "complete")
	require.NoError(t, telemetry.Init(context.Background(), "stageline", "test", telemetry.Options{}))
}
