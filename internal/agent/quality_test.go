package agent

import (
	"testing"

	"github.com/pavelanni/grader/internal/model"
)

func TestCheckResults(t *testing.T) {
	good := model.QuestionResult{
		QuestionNumber: 1,
		MaxScore:       10,
		Score:          8,
		IsCorrect:      true,
		Feedback:       "Solid answer covering the key points.",
	}

	tests := []struct {
		name       string
		mutate     func(r *model.QuestionResult)
		acceptable bool
	}{
		{"clean result", func(r *model.QuestionResult) {}, true},
		{"score above max", func(r *model.QuestionResult) { r.Score = 11 }, false},
		{"negative score", func(r *model.QuestionResult) { r.Score = -1; r.IsCorrect = false }, false},
		{"correct flag disagrees high", func(r *model.QuestionResult) { r.Score = 9; r.IsCorrect = false }, false},
		{"correct flag disagrees low", func(r *model.QuestionResult) { r.Score = 3; r.IsCorrect = true }, false},
		{"feedback too short", func(r *model.QuestionResult) { r.Feedback = "ok" }, false},
		{"exact threshold is correct", func(r *model.QuestionResult) { r.Score = 7; r.IsCorrect = true }, true},
		{"just below threshold is incorrect", func(r *model.QuestionResult) { r.Score = 6.9; r.IsCorrect = false }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			verdict := checkResults([]model.QuestionResult{r})
			if verdict.Acceptable != tt.acceptable {
				t.Errorf("acceptable = %t, want %t (issues: %+v)", verdict.Acceptable, tt.acceptable, verdict.Issues)
			}
		})
	}
}

func TestCheckResultsFlagsEveryBadQuestion(t *testing.T) {
	results := []model.QuestionResult{
		{QuestionNumber: 1, MaxScore: 10, Score: 15, IsCorrect: true, Feedback: "Feedback long enough to pass."},
		{QuestionNumber: 2, MaxScore: 10, Score: 8, IsCorrect: true, Feedback: "Feedback long enough to pass."},
		{QuestionNumber: 3, MaxScore: 10, Score: 8, IsCorrect: true, Feedback: "no"},
	}

	verdict := checkResults(results)
	if verdict.Acceptable {
		t.Fatal("expected rejection")
	}
	flagged := verdict.FlaggedNumbers()
	if len(flagged) != 2 || flagged[0] != 1 || flagged[1] != 3 {
		t.Errorf("FlaggedNumbers() = %v, want [1 3]", flagged)
	}
}
