// Package worker runs evaluation jobs in the background: parse the answer
// key, then grade every student answer sheet concurrently, persisting
// results and progress as they arrive.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/grader/internal/agent"
	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/progress"
	"github.com/pavelanni/grader/internal/store"
)

// DefaultConcurrency is the number of students graded in parallel when the
// caller does not set a limit.
const DefaultConcurrency = 2

// Progress milestones. Key parsing owns the first fifth of the bar, student
// grading the rest.
const (
	progressKeyParsing = 5
	progressKeyParsed  = 20
	progressDone       = 100
)

// Worker processes evaluation jobs against the store and reasoning service.
type Worker struct {
	store       *store.Store
	reasoner    agent.Reasoner
	tracker     *progress.Tracker
	lang        string
	concurrency int
}

// New creates a worker. lang is the locale code used for localized feedback
// and progress messages. concurrency bounds parallel student grading; values
// below 1 fall back to DefaultConcurrency.
func New(st *store.Store, reasoner agent.Reasoner, tracker *progress.Tracker, lang string, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Worker{
		store:       st,
		reasoner:    reasoner,
		tracker:     tracker,
		lang:        lang,
		concurrency: concurrency,
	}
}

// ProcessEvaluation runs one evaluation job to a terminal status. It parses
// the answer key, grades every student, and records progress throughout.
// The returned error reflects job-level failure; per-student failures are
// recorded in the evaluation's error message without aborting the others.
func (w *Worker) ProcessEvaluation(ctx context.Context, evalID, keyText string, students []model.StudentDocument) error {
	ctx = i18n.WithLocalizer(ctx, i18n.NewLocalizer(w.lang))

	key, err := w.parseAnswerKey(ctx, evalID, keyText)
	if err != nil {
		w.fail(evalID, fmt.Errorf("parse answer key: %w", err))
		return err
	}

	if err := w.store.UpdateEvaluationStatus(evalID, model.StatusEvaluating, ""); err != nil {
		slog.Error("failed to update evaluation status", "evaluation", evalID, "error", err)
	}

	var completed, failed atomic.Int64
	total := len(students)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, doc := range students {
		doc := doc
		g.Go(func() error {
			if err := w.processStudent(gctx, evalID, *key, doc); err != nil {
				slog.Error("student evaluation failed",
					"evaluation", evalID, "student", doc.StudentName, "error", err)
				failed.Add(1)
				return nil
			}
			done := completed.Add(1)
			w.tracker.Report(evalID,
				float64(progressKeyParsed)+float64(progressDone-progressKeyParsed)*float64(done)/float64(total),
				i18n.Td(ctx, "progress_evaluating", map[string]any{
					"Completed": done,
					"Total":     total,
				}))
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		err := fmt.Errorf("%d of %d students failed", n, total)
		w.fail(evalID, err)
		return err
	}

	w.tracker.Report(evalID, progressDone, i18n.T(ctx, "progress_completed"))
	if err := w.store.UpdateEvaluationStatus(evalID, model.StatusCompleted, ""); err != nil {
		slog.Error("failed to update evaluation status", "evaluation", evalID, "error", err)
	}
	slog.Info("evaluation completed", "evaluation", evalID, "students", total)
	return nil
}

func (w *Worker) parseAnswerKey(ctx context.Context, evalID, keyText string) (*model.AnswerKey, error) {
	if err := w.store.UpdateEvaluationStatus(evalID, model.StatusParsing, ""); err != nil {
		slog.Error("failed to update evaluation status", "evaluation", evalID, "error", err)
	}
	w.tracker.Report(evalID, progressKeyParsing, i18n.T(ctx, "progress_parsing_key"))

	orch := agent.New(w.reasoner, i18n.LanguageName(w.lang))
	st, err := orch.Run(ctx, model.Task{
		Kind:      model.TaskParseAnswerKey,
		InputText: keyText,
	})
	if err != nil {
		return nil, err
	}

	if err := w.store.SetAnswerKey(evalID, *st.AnswerKey); err != nil {
		return nil, fmt.Errorf("store answer key: %w", err)
	}
	w.tracker.Report(evalID, progressKeyParsed, i18n.Td(ctx, "progress_key_parsed", map[string]any{
		"Count": st.AnswerKey.TotalQuestions,
	}))
	slog.Info("answer key parsed", "evaluation", evalID, "questions", st.AnswerKey.TotalQuestions)
	return st.AnswerKey, nil
}

// processStudent grades one answer sheet end to end: parse, evaluate,
// analyze, persist.
func (w *Worker) processStudent(ctx context.Context, evalID string, key model.AnswerKey, doc model.StudentDocument) error {
	langName := i18n.LanguageName(w.lang)
	w.tracker.Report(evalID, progressKeyParsed, i18n.Td(ctx, "progress_parsing_student", map[string]any{
		"Student": doc.StudentName,
	}))

	parser := agent.New(w.reasoner, langName)
	parsed, err := parser.Run(ctx, model.Task{
		Kind:      model.TaskParseStudentAnswer,
		InputText: doc.Text,
		Context:   model.TaskContext{QuestionCount: key.TotalQuestions},
	})
	if err != nil {
		return fmt.Errorf("parse answers: %w", err)
	}

	grader := agent.New(w.reasoner, langName)
	grader.OnProgress = func(evaluated, total int) {
		slog.Debug("question evaluated",
			"evaluation", evalID, "student", doc.StudentName, "evaluated", evaluated, "total", total)
	}
	st, err := grader.Run(ctx, model.Task{
		Kind: model.TaskEvaluateStudent,
		Context: model.TaskContext{
			Questions:      key.Questions,
			StudentAnswers: parsed.StudentAnswers,
		},
	})
	if err != nil {
		return fmt.Errorf("evaluate answers: %w", err)
	}

	se := assemble(doc, key, st)

	// Analysis is best-effort: a failure leaves strengths/weaknesses empty
	// and never blocks persistence.
	analysis, err := grader.AnalyzePerformance(ctx, doc.StudentName, se.Results, se.TotalScore, se.MaxScore, se.Percentage)
	if err != nil {
		slog.Warn("performance analysis failed",
			"evaluation", evalID, "student", doc.StudentName, "error", err)
	} else {
		se.Strengths = analysis.Strengths
		se.Weaknesses = analysis.Weaknesses
	}

	if err := w.store.SaveStudentEvaluation(evalID, se); err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	slog.Info("student graded",
		"evaluation", evalID, "student", doc.StudentName,
		"score", se.TotalScore, "max", se.MaxScore,
		"needs_review", se.NeedsReview, "retries", st.RetryCount)
	return nil
}

// assemble builds the persisted student record from a terminal agent state.
func assemble(doc model.StudentDocument, key model.AnswerKey, st agent.State) model.StudentEvaluation {
	se := model.StudentEvaluation{
		StudentID:     doc.StudentID,
		StudentName:   doc.StudentName,
		MaxScore:      key.MaxPossibleScore,
		AvgConfidence: st.MeanConfidence(),
		NeedsReview:   st.NeedsReview,
		Results:       st.Results,
		Trace:         st.Trace(),
	}
	for _, r := range st.Results {
		se.TotalScore += r.Score
	}
	if se.MaxScore > 0 {
		se.Percentage = se.TotalScore / se.MaxScore * 100
	}
	return se
}

func (w *Worker) fail(evalID string, err error) {
	w.tracker.Report(evalID, progressDone, i18n.T(context.Background(), "progress_failed"))
	if serr := w.store.UpdateEvaluationStatus(evalID, model.StatusFailed, err.Error()); serr != nil {
		slog.Error("failed to mark evaluation failed", "evaluation", evalID, "error", serr)
	}
	slog.Error("evaluation failed", "evaluation", evalID, "error", err)
}
