package quiz_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"stageline/internal/domain"
	"stageline/internal/quiz"
)

func TestScoreBelowThreshold(t *testing.T) {
	reference := domain.Responses{"1": "a", "2": "b", "3": "a", "4": "c", "5": "d"}
	responses := domain.Responses{"1": "a", "2": "b", "3": "a", "4": "c", "5": "b"}
	res := quiz.Score(responses, reference)
	assert.Equal(t, 80, res.Score)
	assert.Equal(t, []string{"5"}, res.Incorrect)
	threshold := 90
	assert.False(t, res.Passed(&threshold))
	assert.True(t, res.Passed(nil))
}

func TestScoreRounds(t *testing.T) {
	reference := domain.Responses{"a": float64(1), "b": float64(2), "c": float64(3)}
	res := quiz.Score(domain.Responses{"a": float64(1), "b": float64(2)}, reference)
	assert.Equal(t, 67, res.Score)
	assert.Equal(t, []string{"c"}, res.Incorrect)
}

func TestScoreWithoutQuestions(t *testing.T) {
	assert.Equal(t, 100, quiz.Score(domain.Responses{"x": 1}, domain.Responses{}).Score)
}

func TestMetadata(t *testing.T) {
	res := quiz.Result{Score: 50, Incorrect: []string{"q1", "q2"}}
	schema := map[string]any{"properties": map[string]any{
		"q1": map[string]any{"title": "Capital of France"},
	}}
	got := res.Metadata(schema, true)
	want := domain.Responses{quiz.MetaScore: 50, quiz.MetaIncorrect: "Capital of France\nq2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	got = res.Metadata(schema, false)
	want = domain.Responses{quiz.MetaScore: 50, quiz.MetaIncorrect: []any{"q1", "q2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}
