package agent

import (
	"fmt"
	"unicode/utf8"

	"github.com/pavelanni/grader/internal/model"
)

// MinFeedbackLen is the minimum feedback length, in runes, below which an
// evaluation counts as insufficiently detailed. A tuning constant, not a
// contract.
const MinFeedbackLen = 10

// checkResults applies the consistency rubric to a batch of evaluation
// results. A result is flagged if its score is out of range, its
// correctness flag disagrees with the threshold rule, or its feedback is
// too thin. The batch verdict is unacceptable if any result is flagged.
func checkResults(results []model.QuestionResult) model.QualityVerdict {
	var issues []model.QualityIssue

	flag := func(r model.QuestionResult, format string, args ...any) {
		issues = append(issues, model.QualityIssue{
			QuestionNumber: r.QuestionNumber,
			Description:    fmt.Sprintf(format, args...),
		})
	}

	for _, r := range results {
		if r.Score < 0 || r.Score > r.MaxScore {
			flag(r, "score %.1f outside [0, %.1f]", r.Score, r.MaxScore)
		}
		if r.IsCorrect != model.Correct(r.Score, r.MaxScore) {
			flag(r, "is_correct=%t disagrees with score %.1f/%.1f at the %.0f%% threshold",
				r.IsCorrect, r.Score, r.MaxScore, model.CorrectThreshold*100)
		}
		if utf8.RuneCountInString(r.Feedback) < MinFeedbackLen {
			flag(r, "feedback too short (%d runes, minimum %d)",
				utf8.RuneCountInString(r.Feedback), MinFeedbackLen)
		}
	}

	return model.QualityVerdict{Acceptable: len(issues) == 0, Issues: issues}
}
