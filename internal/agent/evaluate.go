package agent

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// runEvaluate scores the student's answers question by question. On a retry
// pass only the flagged questions are re-evaluated; accepted results from
// prior passes are reused as-is. Questions run sequentially: the reasoning
// service is rate limited and the adapter spaces calls out.
func (o *Orchestrator) runEvaluate(ctx context.Context, st State) (State, error) {
	questions := st.Task.Context.Questions
	if len(questions) == 0 {
		return st, fmt.Errorf("evaluate task has no answer key questions")
	}

	answers := make(map[int]string, len(st.Task.Context.StudentAnswers))
	for _, a := range st.Task.Context.StudentAnswers {
		answers[a.Number] = a.StudentAnswer
	}

	retryOnly := st.RetryCount > 0 && len(st.Flagged) > 0
	prior := make(map[int]model.QuestionResult, len(st.Results))
	for _, r := range st.Results {
		prior[r.QuestionNumber] = r
	}

	var results []model.QuestionResult
	var confidences []float64
	evaluated := 0
	for _, q := range questions {
		if retryOnly && !slices.Contains(st.Flagged, q.Number) {
			if r, ok := prior[q.Number]; ok {
				results = append(results, r)
				continue
			}
		}

		result, err := o.evaluateAnswer(ctx, q, answers[q.Number], priorIssuesFor(st, q.Number))
		if err != nil {
			// Record what we have; the caller turns this into a
			// failure observation and a terminal state.
			st.Results = mergeResults(results, prior)
			return st, err
		}
		results = append(results, result)
		confidences = append(confidences, result.Confidence)
		evaluated++
		if o.OnProgress != nil {
			o.OnProgress(len(results), len(questions))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].QuestionNumber < results[j].QuestionNumber
	})

	st.Results = results
	st.Flagged = nil
	st = st.withConfidence(confidences...)
	return st.withObservation(fmt.Sprintf("Evaluated %d questions (%d reused), avg confidence %.2f",
		evaluated, len(results)-evaluated, st.MeanConfidence())), nil
}

// evaluateAnswer scores one answer against its question record. An empty or
// missing answer short-circuits without a reasoning call: the absence is
// certain, so confidence is 1.
func (o *Orchestrator) evaluateAnswer(ctx context.Context, q model.QuestionRecord, answer string, priorIssues []string) (model.QuestionResult, error) {
	base := model.QuestionResult{
		QuestionNumber: q.Number,
		QuestionText:   q.QuestionText,
		ExpectedAnswer: q.ExpectedAnswer,
		StudentAnswer:  answer,
		MaxScore:       q.MaxScore,
	}

	if prompts.IsNoAnswer(answer) {
		base.StudentAnswer = prompts.NoAnswerPlaceholder
		base.Score = 0
		base.IsCorrect = false
		base.Confidence = 1.0
		base.Feedback = i18n.T(ctx, "no_answer_feedback")
		return base, nil
	}

	instruction, err := prompts.BuildEvaluate(prompts.EvalData{
		QuestionNumber: q.Number,
		QuestionText:   q.QuestionText,
		ExpectedAnswer: q.ExpectedAnswer,
		StudentAnswer:  answer,
		MaxScore:       q.MaxScore,
		Keywords:       strings.Join(q.Keywords, ", "),
		Language:       o.lang,
		PriorIssues:    priorIssues,
	})
	if err != nil {
		return base, err
	}

	var resp struct {
		Score      float64  `json:"score"`
		Feedback   string   `json:"feedback"`
		IsCorrect  *bool    `json:"is_correct"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := o.reasoner.CompleteStructured(ctx, instruction, "Evaluate the student's answer.", llm.SchemaEvaluation, &resp); err != nil {
		return base, err
	}

	base.Score = resp.Score
	base.Feedback = resp.Feedback
	base.Reasoning = resp.Reasoning
	if resp.IsCorrect != nil {
		base.IsCorrect = *resp.IsCorrect
	} else {
		base.IsCorrect = model.Correct(resp.Score, q.MaxScore)
	}
	if resp.Confidence != nil {
		base.Confidence = *resp.Confidence
	} else {
		base.Confidence = 0.8
	}
	return base, nil
}

// priorIssuesFor collects the latest quality-check issue descriptions for a
// question, fed back into the retry prompt so the model can correct them.
func priorIssuesFor(st State, questionNumber int) []string {
	if len(st.QualityChecks) == 0 {
		return nil
	}
	last := st.QualityChecks[len(st.QualityChecks)-1]
	var issues []string
	for _, iss := range last.Issues {
		if iss.QuestionNumber == questionNumber {
			issues = append(issues, iss.Description)
		}
	}
	return issues
}

func mergeResults(results []model.QuestionResult, prior map[int]model.QuestionResult) []model.QuestionResult {
	merged := slices.Clone(results)
	seen := make(map[int]bool, len(merged))
	for _, r := range merged {
		seen[r.QuestionNumber] = true
	}
	for n, r := range prior {
		if !seen[n] {
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].QuestionNumber < merged[j].QuestionNumber
	})
	return merged
}
