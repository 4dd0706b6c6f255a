// Package quiz scores task responses against a reference task.
package quiz

import (
	"math"
	"strings"

	"stageline/internal/domain"
)

const (
	MetaScore     = "meta_quiz_score"
	MetaIncorrect = "meta_quiz_incorrect_questions"
)

type Result struct {
	Score     int
	Incorrect []string
}

// Score compares responses with reference question by question. The questions
// are the reference keys. A reference without questions scores 100.
func Score(responses, reference domain.Responses) Result {
	questions := reference.Keys()
	if len(questions) == 0 {
		return Result{Score: 100}
	}
	correct := 0
	var incorrect []string
	for _, q := range questions {
		got, ok := responses[q]
		if ok && domain.SameValue(got, reference[q]) {
			correct++
			continue
		}
		incorrect = append(incorrect, q)
	}
	score := int(math.Round(float64(correct) * 100 / float64(len(questions))))
	return Result{Score: score, Incorrect: incorrect}
}

// Passed reports whether the score meets threshold. A nil threshold always passes.
func (r Result) Passed(threshold *int) bool {
	return threshold == nil || r.Score >= *threshold
}

// Metadata renders the result in the response fields written onto the task.
// With format set, incorrect questions are listed by schema title, one per line.
func (r Result) Metadata(schema map[string]any, format bool) domain.Responses {
	out := domain.Responses{MetaScore: r.Score}
	if !format {
		list := make([]any, 0, len(r.Incorrect))
		for _, q := range r.Incorrect {
			list = append(list, q)
		}
		out[MetaIncorrect] = list
		return out
	}
	titles := make([]string, 0, len(r.Incorrect))
	for _, q := range r.Incorrect {
		titles = append(titles, title(schema, q))
	}
	out[MetaIncorrect] = strings.Join(titles, "\n")
	return out
}

func title(schema map[string]any, key string) string {
	props, _ := schema["properties"].(map[string]any)
	prop, _ := props[key].(map[string]any)
	if t, ok := prop["title"].(string); ok && t != "" {
		return t
	}
	return key
}
