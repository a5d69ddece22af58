package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/model"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, "i18n init:", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// fakeReasoner pops canned responses per schema, in order. Evaluation runs
// question by question in ascending order, so a flat queue is deterministic.
type fakeReasoner struct {
	t      *testing.T
	calls  int
	queues map[llm.Schema][]any
}

func newFakeReasoner(t *testing.T) *fakeReasoner {
	t.Helper()
	return &fakeReasoner{t: t, queues: make(map[llm.Schema][]any)}
}

func (f *fakeReasoner) queue(schema llm.Schema, responses ...any) {
	f.queues[schema] = append(f.queues[schema], responses...)
}

func (f *fakeReasoner) CompleteStructured(_ context.Context, _, _ string, schema llm.Schema, out any) error {
	f.calls++
	q := f.queues[schema]
	if len(q) == 0 {
		f.t.Fatalf("unexpected %s call (call #%d)", schema, f.calls)
	}
	v := q[0]
	f.queues[schema] = q[1:]
	if err, ok := v.(error); ok {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal canned response: %v", err)
	}
	return json.Unmarshal(data, out)
}

func (f *fakeReasoner) remaining(schema llm.Schema) int {
	return len(f.queues[schema])
}

func evalResp(score float64, feedback string, correct bool, confidence float64) map[string]any {
	return map[string]any{
		"score":      score,
		"feedback":   feedback,
		"is_correct": correct,
		"confidence": confidence,
		"reasoning":  "checked against the expected answer",
	}
}

func threeQuestionKey(t *testing.T) []model.QuestionRecord {
	t.Helper()
	return []model.QuestionRecord{
		{Number: 1, QuestionText: "What is a goroutine?", ExpectedAnswer: "A lightweight thread managed by the Go runtime.", MaxScore: 10},
		{Number: 2, QuestionText: "What does a channel do?", ExpectedAnswer: "It communicates values between goroutines.", MaxScore: 10},
		{Number: 3, QuestionText: "What is a mutex for?", ExpectedAnswer: "Mutual exclusion around shared state.", MaxScore: 10},
	}
}

func threeAnswers() []model.StudentAnswer {
	return []model.StudentAnswer{
		{Number: 1, StudentAnswer: "A lightweight thread."},
		{Number: 2, StudentAnswer: "Sends values between goroutines."},
		{Number: 3, StudentAnswer: "Protects shared data."},
	}
}

func evaluateTask(questions []model.QuestionRecord, answers []model.StudentAnswer) model.Task {
	return model.Task{
		Kind: model.TaskEvaluateStudent,
		Context: model.TaskContext{
			Questions:      questions,
			StudentAnswers: answers,
		},
	}
}

func checkPairing(t *testing.T, st State) {
	t.Helper()
	if len(st.Actions) != len(st.Observations) {
		t.Errorf("actions/observations mismatch: %d actions, %d observations", len(st.Actions), len(st.Observations))
	}
	if len(st.Thoughts) != len(st.Actions) {
		t.Errorf("thoughts/actions mismatch: %d thoughts, %d actions", len(st.Thoughts), len(st.Actions))
	}
}

func TestEvaluateCleanRun(t *testing.T) {
	f := newFakeReasoner(t)
	f.queue(llm.SchemaEvaluation,
		evalResp(9, "Accurate and concise explanation of goroutines.", true, 0.9),
		evalResp(8.5, "Correct but missing the direction of communication.", true, 0.85),
		evalResp(9.5, "Complete answer covering mutual exclusion.", true, 0.95),
	)

	o := New(f, "English")
	st, err := o.Run(context.Background(), evaluateTask(threeQuestionKey(t), threeAnswers()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.Phase != PhaseDone {
		t.Errorf("expected done phase, got %v", st.Phase)
	}
	if len(st.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(st.Results))
	}

	var total float64
	for _, r := range st.Results {
		total += r.Score
	}
	if total != 27 {
		t.Errorf("expected total score 27, got %v", total)
	}
	if st.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", st.RetryCount)
	}
	if st.NeedsReview {
		t.Error("clean run should not need review")
	}
	if len(st.QualityChecks) != 1 || !st.QualityChecks[0].Acceptable {
		t.Errorf("expected one acceptable quality check, got %+v", st.QualityChecks)
	}
	checkPairing(t, st)

	// Results come back ordered by question number.
	for i, r := range st.Results {
		if r.QuestionNumber != i+1 {
			t.Errorf("result %d has question number %d", i, r.QuestionNumber)
		}
	}
}

func TestEvaluateQualityRetry(t *testing.T) {
	f := newFakeReasoner(t)
	// First pass: question 1 comes back with a score above its maximum.
	f.queue(llm.SchemaEvaluation,
		evalResp(15, "Exceptional answer, every aspect covered.", true, 0.9),
		evalResp(8, "Good answer with minor omissions noted.", true, 0.9),
		evalResp(9, "Covers the main point of mutual exclusion.", true, 0.9),
		// Retry pass re-evaluates only question 1.
		evalResp(8, "Good answer after re-checking the rubric.", true, 0.9),
	)

	o := New(f, "English")
	st, err := o.Run(context.Background(), evaluateTask(threeQuestionKey(t), threeAnswers()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", st.RetryCount)
	}
	if got := f.remaining(llm.SchemaEvaluation); got != 0 {
		t.Errorf("expected all 4 evaluation responses consumed, %d left", got)
	}
	if len(st.QualityChecks) != 2 {
		t.Fatalf("expected 2 quality checks, got %d", len(st.QualityChecks))
	}
	if st.QualityChecks[0].Acceptable {
		t.Error("first quality check should have rejected the batch")
	}
	if !st.QualityChecks[1].Acceptable {
		t.Error("second quality check should have accepted the batch")
	}
	if st.NeedsReview {
		t.Error("resolved retry should not need review")
	}

	if st.Results[0].Score != 8 {
		t.Errorf("expected re-evaluated score 8 for question 1, got %v", st.Results[0].Score)
	}
	// Unflagged results are reused, not re-evaluated.
	if st.Results[1].Score != 8 || st.Results[2].Score != 9 {
		t.Errorf("unflagged results changed: %v, %v", st.Results[1].Score, st.Results[2].Score)
	}
	checkPairing(t, st)
}

func TestEvaluateRetryCap(t *testing.T) {
	f := newFakeReasoner(t)
	// Question 1 keeps coming back out of range on every pass.
	f.queue(llm.SchemaEvaluation,
		evalResp(15, "Outstanding answer, beyond expectations.", true, 0.9),
		evalResp(8, "Good answer with minor omissions noted.", true, 0.9),
		evalResp(9, "Covers the main point of mutual exclusion.", true, 0.9),
		evalResp(15, "Outstanding answer, beyond expectations.", true, 0.9),
		evalResp(15, "Outstanding answer, beyond expectations.", true, 0.9),
	)

	o := New(f, "English")
	st, err := o.Run(context.Background(), evaluateTask(threeQuestionKey(t), threeAnswers()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.RetryCount != MaxRetries {
		t.Errorf("expected retry count %d, got %d", MaxRetries, st.RetryCount)
	}
	if got := f.remaining(llm.SchemaEvaluation); got != 0 {
		t.Errorf("expected all 5 evaluation responses consumed, %d left", got)
	}
	if !st.NeedsReview {
		t.Error("unresolved issues at the retry cap must flag review")
	}
	if len(st.QualityChecks) != MaxRetries+1 {
		t.Errorf("expected %d quality checks, got %d", MaxRetries+1, len(st.QualityChecks))
	}
	if last := st.QualityChecks[len(st.QualityChecks)-1]; last.Acceptable {
		t.Error("final quality check should still reject the batch")
	}
	// The last result set is kept even though it was rejected.
	if st.Results[0].Score != 15 {
		t.Errorf("expected last-pass score kept, got %v", st.Results[0].Score)
	}
	checkPairing(t, st)
}

func TestEvaluateEmptyAnswerShortCircuit(t *testing.T) {
	answers := []model.StudentAnswer{
		{Number: 1, StudentAnswer: "A lightweight thread."},
		{Number: 3, StudentAnswer: "Protects shared data."},
		// Question 2 has no answer at all.
	}

	f := newFakeReasoner(t)
	f.queue(llm.SchemaEvaluation,
		evalResp(9, "Accurate and concise explanation of goroutines.", true, 0.9),
		evalResp(9, "Covers the main point of mutual exclusion.", true, 0.9),
	)

	o := New(f, "English")
	st, err := o.Run(context.Background(), evaluateTask(threeQuestionKey(t), answers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.calls != 2 {
		t.Errorf("expected 2 reasoning calls (question 2 skipped), got %d", f.calls)
	}

	r := st.Results[1]
	if r.QuestionNumber != 2 {
		t.Fatalf("expected question 2 at index 1, got %d", r.QuestionNumber)
	}
	if r.Score != 0 {
		t.Errorf("unanswered question must score 0, got %v", r.Score)
	}
	if r.IsCorrect {
		t.Error("unanswered question must not be correct")
	}
	if r.Confidence != 1.0 {
		t.Errorf("unanswered question confidence must be 1.0, got %v", r.Confidence)
	}
	if r.Feedback != "No answer provided for this question." {
		t.Errorf("unexpected feedback for unanswered question: %q", r.Feedback)
	}
	if st.NeedsReview {
		t.Error("an unanswered question alone should not trigger review")
	}
}

func TestNeedsReviewConfidenceBoundary(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       bool
	}{
		{"below threshold", 0.59, true},
		{"at threshold", 0.60, false},
		{"above threshold", 0.95, false},
	}

	key := threeQuestionKey(t)[:1]
	answers := threeAnswers()[:1]

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeReasoner(t)
			f.queue(llm.SchemaEvaluation,
				evalResp(9, "Accurate and concise explanation of goroutines.", true, tt.confidence),
			)

			o := New(f, "English")
			st, err := o.Run(context.Background(), evaluateTask(key, answers))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if st.NeedsReview != tt.want {
				t.Errorf("NeedsReview = %t at confidence %v, want %t", st.NeedsReview, tt.confidence, tt.want)
			}
		})
	}
}

func TestEvaluateServiceFailure(t *testing.T) {
	f := newFakeReasoner(t)
	f.queue(llm.SchemaEvaluation,
		evalResp(9, "Accurate and concise explanation of goroutines.", true, 0.9),
		errors.New("connection refused"),
	)

	o := New(f, "English")
	st, err := o.Run(context.Background(), evaluateTask(threeQuestionKey(t), threeAnswers()))
	if err != nil {
		t.Fatalf("service failures must not surface as run errors, got %v", err)
	}

	if !st.Failed {
		t.Error("state should record the failure")
	}
	if !st.NeedsReview {
		t.Error("failed run must flag review")
	}
	var serr *ServiceError
	if !errors.As(st.Err, &serr) {
		t.Errorf("expected ServiceError, got %T", st.Err)
	}
	if st.RetryCount != 0 {
		t.Errorf("infrastructure failures must not consume retries, got retry count %d", st.RetryCount)
	}
	checkPairing(t, st)

	last := st.ToolCalls[len(st.ToolCalls)-1]
	if last.Success {
		t.Error("failed tool call should be logged as unsuccessful")
	}
}

func TestUnknownTaskKind(t *testing.T) {
	o := New(newFakeReasoner(t), "English")
	_, err := o.Run(context.Background(), model.Task{Kind: "grade_essay"})
	if !errors.Is(err, ErrUnknownTaskKind) {
		t.Errorf("expected ErrUnknownTaskKind, got %v", err)
	}
}

func TestExtractKeyRun(t *testing.T) {
	f := newFakeReasoner(t)
	f.queue(llm.SchemaAnswerKey, map[string]any{
		"questions": []map[string]any{
			{"number": 2, "question_text": "Q2", "expected_answer": "A2", "max_score": 5},
			{"number": 1, "question_text": "Q1", "expected_answer": "A1", "max_score": 0},
		},
	})

	o := New(f, "English")
	st, err := o.Run(context.Background(), model.Task{
		Kind:      model.TaskParseAnswerKey,
		InputText: "1. Q1: A1\n2. Q2 (5 points): A2",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	key := st.AnswerKey
	if key == nil {
		t.Fatal("expected answer key output")
	}
	if key.TotalQuestions != 2 {
		t.Errorf("expected 2 questions, got %d", key.TotalQuestions)
	}
	if key.Questions[0].Number != 1 || key.Questions[1].Number != 2 {
		t.Errorf("questions not sorted by number: %+v", key.Questions)
	}
	if key.Questions[0].MaxScore != DefaultMaxScore {
		t.Errorf("missing max score should default to %d, got %v", DefaultMaxScore, key.Questions[0].MaxScore)
	}
	if key.MaxPossibleScore != DefaultMaxScore+5 {
		t.Errorf("expected max possible score %d, got %v", DefaultMaxScore+5, key.MaxPossibleScore)
	}
	checkPairing(t, st)
}

func TestExtractKeyDuplicateNumbers(t *testing.T) {
	f := newFakeReasoner(t)
	f.queue(llm.SchemaAnswerKey, map[string]any{
		"questions": []map[string]any{
			{"number": 1, "question_text": "Q1", "expected_answer": "A1", "max_score": 10},
			{"number": 1, "question_text": "Q1 again", "expected_answer": "A1", "max_score": 10},
		},
	})

	o := New(f, "English")
	_, err := o.Run(context.Background(), model.Task{Kind: model.TaskParseAnswerKey, InputText: "doc"})
	if !errors.Is(err, ErrDuplicateQuestionNumbers) {
		t.Errorf("expected ErrDuplicateQuestionNumbers, got %v", err)
	}
}

func TestExtractStudentRun(t *testing.T) {
	f := newFakeReasoner(t)
	f.queue(llm.SchemaStudentAnswers, map[string]any{
		"answers": []map[string]any{
			{"number": 0, "student_answer": "first"},
			{"number": 0, "student_answer": "second"},
		},
	})

	o := New(f, "English")
	st, err := o.Run(context.Background(), model.Task{
		Kind:      model.TaskParseStudentAnswer,
		InputText: "first\nsecond",
		Context:   model.TaskContext{QuestionCount: 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Numbers absent everywhere: renumber sequentially from 1.
	if len(st.StudentAnswers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(st.StudentAnswers))
	}
	if st.StudentAnswers[0].Number != 1 || st.StudentAnswers[1].Number != 2 {
		t.Errorf("expected renumbering from 1, got %+v", st.StudentAnswers)
	}
}

func TestRetryPromptCarriesPriorIssues(t *testing.T) {
	st := State{
		QualityChecks: []model.QualityVerdict{
			{Acceptable: true},
			{Acceptable: false, Issues: []model.QualityIssue{
				{QuestionNumber: 1, Description: "score out of range"},
				{QuestionNumber: 2, Description: "feedback too short"},
			}},
		},
	}

	got := priorIssuesFor(st, 1)
	if len(got) != 1 || got[0] != "score out of range" {
		t.Errorf("priorIssuesFor(1) = %v", got)
	}
	if got := priorIssuesFor(st, 3); got != nil {
		t.Errorf("priorIssuesFor(3) = %v, want nil", got)
	}
}
