package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/domain"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	s, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAddr, s.Server.Addr)
	assert.Equal(t, config.DefaultLockTTL, s.Engine.LockTTL)
	assert.Equal(t, config.DefaultMaxDepth, s.Engine.MaxDepth)
	assert.False(t, s.Telemetry.Enabled)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte(config.GenerateDefault()), 0o644))
	t.Setenv("STAGELINE_WEBHOOK_TIMEOUT", "3s")
	t.Setenv("STAGELINE_SERVER_ADDR", "0.0.0.0:9999")
	s, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, s.Webhook.Timeout)
	assert.Equal(t, "0.0.0.0:9999", s.Server.Addr)
	assert.True(t, s.Server.AllowUserHeader)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte("engine:\n  max_depth: 0\n"), 0o644))
	_, err := config.Load(dir)
	assert.ErrorContains(t, err, "max_depth")
}

const blueprintYAML = `
campaign:
  name: review
tracks:
  - name: main
    default_rank: member
    ranks:
      - name: member
      - name: reviewer
        prerequisites: [member]
chains:
  - name: pipeline
    stages:
      - name: submit
        creatable: true
        schema:
          type: object
          properties:
            answer: {type: string}
        out: [check]
        rank_limits:
          - rank: member
            open_limit: 1
      - name: check
        kind: conditional
        conditions:
          - {field: answer, condition: "!=", value: "", type: string}
        out: [verify]
      - name: verify
        assign: rank
        webhook:
          url: http://localhost/hook
          kind: trigger
          payload_field: data
awards:
  - completion: submit
    verified: verify
    rank: reviewer
    count: 3
`

func TestBlueprintFromYAML(t *testing.T) {
	bp, err := config.BlueprintFromYAML([]byte(blueprintYAML))
	require.NoError(t, err)
	require.Len(t, bp.Chains, 1)
	stages := bp.Chains[0].Stages
	require.Len(t, stages, 3)
	assert.Equal(t, domain.StageKindConditional, stages[1].StageKind())
	assert.Equal(t, domain.AssignByRank, stages[2].Policy())
	assert.Equal(t, "data", stages[2].Webhook.PayloadField)
	assert.Equal(t, "!=", stages[1].Conditions[0].Condition)
	assert.True(t, config.Flag(stages[0].RankLimits[0].Selection, true))
}

func TestBlueprintValidation(t *testing.T) {
	cases := map[string]string{
		"missing campaign": `chains: []`,
		"cross chain edge": `
campaign: {name: x}
chains:
  - name: a
    stages: [{name: s1, out: [s2]}]
  - name: b
    stages: [{name: s2}]
`,
		"unknown rank": `
campaign: {name: x}
chains:
  - name: a
    stages: [{name: s1, rank_limits: [{rank: ghost}]}]
`,
		"stage policy without source": `
campaign: {name: x}
chains:
  - name: a
    stages: [{name: s1, assign: stage}]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.BlueprintFromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsLongWebhookTimeout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte("webhook:\n  timeout: 30s\n"), 0o644))
	_, err := config.Load(dir)
	assert.ErrorContains(t, err, "webhook.timeout")
}
