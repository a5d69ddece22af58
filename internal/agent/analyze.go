package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// maxAnalyzedQuestions bounds the per-question detail embedded in the
// analysis prompt.
const maxAnalyzedQuestions = 10

// AnalyzePerformance derives aggregate strengths and weaknesses from a
// student's complete result set. It runs once per student after the
// evaluate task reaches its terminal state and is not part of the retry
// loop: analysis is best-effort and never changes scores.
func (o *Orchestrator) AnalyzePerformance(ctx context.Context, studentName string, results []model.QuestionResult, totalScore, maxScore, percentage float64) (model.PerformanceAnalysis, error) {
	instruction, err := prompts.BuildAnalyze(prompts.AnalyzeData{
		StudentName:      studentName,
		TotalScore:       totalScore,
		MaxScore:         maxScore,
		Percentage:       percentage,
		QuestionsSummary: questionsSummary(results),
		Language:         o.lang,
	})
	if err != nil {
		return model.PerformanceAnalysis{}, err
	}

	var analysis model.PerformanceAnalysis
	if err := o.reasoner.CompleteStructured(ctx, instruction, "Analyze the student's performance.", llm.SchemaAnalysis, &analysis); err != nil {
		return model.PerformanceAnalysis{}, fmt.Errorf("performance analysis: %w", err)
	}
	if analysis.Confidence == 0 {
		analysis.Confidence = 0.8
	}
	return analysis, nil
}

func questionsSummary(results []model.QuestionResult) string {
	var sb strings.Builder
	for i, r := range results {
		if i >= maxAnalyzedQuestions {
			break
		}
		verdict := "incorrect"
		if r.IsCorrect {
			verdict = "correct"
		}
		feedback := r.Feedback
		if len([]rune(feedback)) > 150 {
			feedback = string([]rune(feedback)[:150]) + "..."
		}
		fmt.Fprintf(&sb, "Q%d: %.1f/%.1f - %s\nFeedback: %s\n\n",
			r.QuestionNumber, r.Score, r.MaxScore, verdict, feedback)
	}
	return strings.TrimSpace(sb.String())
}
