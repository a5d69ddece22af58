package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// DefaultMaxScore is assigned to extracted questions whose answer key does
// not state a point value.
const DefaultMaxScore = 10

func (o *Orchestrator) runExtractKey(ctx context.Context, st State) (State, error) {
	instruction, err := prompts.BuildExtractKey(prompts.ExtractKeyData{Text: st.Task.InputText})
	if err != nil {
		return st, err
	}

	var key model.AnswerKey
	if err := o.reasoner.CompleteStructured(ctx, instruction, "Extract the answer key verbatim.", llm.SchemaAnswerKey, &key); err != nil {
		return st, err
	}

	if err := normalizeQuestions(&key); err != nil {
		return st, err
	}

	st.AnswerKey = &key
	return st.withObservation(fmt.Sprintf("Parsed %d questions from answer key (max possible score %.1f)",
		key.TotalQuestions, key.MaxPossibleScore)), nil
}

func (o *Orchestrator) runExtractStudent(ctx context.Context, st State) (State, error) {
	instruction, err := prompts.BuildExtractStudent(prompts.ExtractStudentData{
		Text:          st.Task.InputText,
		QuestionCount: st.Task.Context.QuestionCount,
	})
	if err != nil {
		return st, err
	}

	var out struct {
		Answers []model.StudentAnswer `json:"answers"`
	}
	if err := o.reasoner.CompleteStructured(ctx, instruction, "Extract the student's answers verbatim.", llm.SchemaStudentAnswers, &out); err != nil {
		return st, err
	}

	answers, err := normalizeAnswers(out.Answers)
	if err != nil {
		return st, err
	}

	st.StudentAnswers = answers
	return st.withObservation(fmt.Sprintf("Parsed %d student answers", len(answers))), nil
}

// normalizeQuestions orders extracted questions by number, fills defaults,
// and recomputes totals. Questions are renumbered from 1 only when the
// source provided no numbers at all; otherwise model-provided numbers are
// preserved and duplicates are an input error.
func normalizeQuestions(key *model.AnswerKey) error {
	if allZeroNumbers(len(key.Questions), func(i int) int { return key.Questions[i].Number }) {
		for i := range key.Questions {
			key.Questions[i].Number = i + 1
		}
	}

	sort.SliceStable(key.Questions, func(i, j int) bool {
		return key.Questions[i].Number < key.Questions[j].Number
	})

	seen := make(map[int]bool, len(key.Questions))
	for i := range key.Questions {
		q := &key.Questions[i]
		if seen[q.Number] {
			return fmt.Errorf("%w: question %d", ErrDuplicateQuestionNumbers, q.Number)
		}
		seen[q.Number] = true
		if q.MaxScore <= 0 {
			q.MaxScore = DefaultMaxScore
		}
	}

	key.TotalQuestions = len(key.Questions)
	var total float64
	for _, q := range key.Questions {
		total += q.MaxScore
	}
	key.MaxPossibleScore = total
	return nil
}

func normalizeAnswers(answers []model.StudentAnswer) ([]model.StudentAnswer, error) {
	if allZeroNumbers(len(answers), func(i int) int { return answers[i].Number }) {
		for i := range answers {
			answers[i].Number = i + 1
		}
	}

	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Number < answers[j].Number })

	seen := make(map[int]bool, len(answers))
	for _, a := range answers {
		if seen[a.Number] {
			return nil, fmt.Errorf("%w: answer %d", ErrDuplicateQuestionNumbers, a.Number)
		}
		seen[a.Number] = true
	}
	return answers, nil
}

func allZeroNumbers(n int, number func(i int) int) bool {
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if number(i) != 0 {
			return false
		}
	}
	return true
}
