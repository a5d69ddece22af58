package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/model"
)

// Reasoner is the reasoning-service contract the orchestrator depends on.
// *llm.Client satisfies it.
type Reasoner interface {
	CompleteStructured(ctx context.Context, instruction, contextText string, schema llm.Schema, out any) error
}

// Orchestrator runs one task at a time through the reasoning / tool
// execution / quality check state machine. It holds no per-run state, but
// OnProgress is per-instance, so callers wanting per-question progress
// callbacks create one Orchestrator per run.
type Orchestrator struct {
	reasoner Reasoner
	lang     string

	// OnProgress, if set, is called after each question evaluated within
	// an evaluate task with (evaluated, total) counts.
	OnProgress func(evaluated, total int)
}

// New creates an orchestrator. lang is the language name (e.g. "English")
// used for generated feedback.
func New(reasoner Reasoner, lang string) *Orchestrator {
	return &Orchestrator{reasoner: reasoner, lang: lang}
}

// Run executes the task to its DONE state. The returned error is non-nil
// only for fatal input errors (unknown task kind, duplicate question
// numbers, extraction with no usable output); service failures during an
// evaluate task terminate the run with partial results and NeedsReview set,
// which is a valid terminal state, not an error.
func (o *Orchestrator) Run(ctx context.Context, task model.Task) (State, error) {
	st := NewState(task)

	for st.Phase != PhaseDone {
		switch st.Phase {
		case PhaseEntry:
			st = st.withPhase(PhaseReasoning)
		case PhaseReasoning:
			var err error
			st, err = o.reason(st)
			if err != nil {
				return st, err
			}
		case PhaseToolExecution:
			st = o.execute(ctx, st)
		case PhaseQualityCheck:
			st = o.qualityCheck(st)
		default:
			return st, fmt.Errorf("orchestrator reached invalid phase %v", st.Phase)
		}
	}

	st = o.finalize(st)
	if st.Err != nil && IsInputError(st.Err) {
		return st, st.Err
	}
	if st.Failed && st.Task.Kind != model.TaskEvaluateStudent {
		// Extraction tasks have no partial-result mode: a failed
		// extraction is a failed task.
		return st, st.Err
	}
	return st, nil
}

// reason appends exactly one thought and one chosen-tool action, then moves
// to tool execution. An unrecognized task kind is a fatal input error.
func (o *Orchestrator) reason(st State) (State, error) {
	var thought string
	var tool ToolID

	switch st.Task.Kind {
	case model.TaskParseAnswerKey:
		thought = "Parse the answer key document to extract questions and expected answers."
		tool = ToolExtractAnswerKey
	case model.TaskParseStudentAnswer:
		thought = fmt.Sprintf("Parse the student answer sheet; expecting %d answers.", st.Task.Context.QuestionCount)
		tool = ToolExtractStudentAnswers
	case model.TaskEvaluateStudent:
		if st.RetryCount > 0 {
			thought = fmt.Sprintf("Previous evaluation had quality issues; re-evaluating %d flagged questions (attempt %d/%d).",
				len(st.Flagged), st.RetryCount+1, MaxRetries+1)
		} else {
			thought = "Evaluate each student answer against the answer key."
		}
		tool = ToolEvaluateAnswers
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownTaskKind, st.Task.Kind)
		return st.withFailure(err).withPhase(PhaseDone), err
	}

	return st.withThought(thought).withAction(tool).withPhase(PhaseToolExecution), nil
}

// execute dispatches the most recently chosen tool. Every dispatch produces
// exactly one observation, including failures.
func (o *Orchestrator) execute(ctx context.Context, st State) State {
	tool := st.Actions[len(st.Actions)-1]
	start := time.Now()

	var next State
	var err error
	switch tool {
	case ToolExtractAnswerKey:
		next, err = o.runExtractKey(ctx, st)
	case ToolExtractStudentAnswers:
		next, err = o.runExtractStudent(ctx, st)
	case ToolEvaluateAnswers:
		next, err = o.runEvaluate(ctx, st)
	default:
		next, err = st, fmt.Errorf("no tool registered for %v", tool)
	}

	next = next.withToolCall(model.ToolCallLog{
		Tool:     tool.String(),
		Duration: time.Since(start),
		Success:  err == nil,
		At:       time.Now(),
	})

	if err != nil {
		slog.Error("tool execution failed", "tool", tool.String(), "task", st.Task.Kind, "error", err)
		next = next.withObservation(fmt.Sprintf("Tool %s failed: %v", tool, err))
		if !IsInputError(err) {
			err = &ServiceError{Tool: tool, Err: err}
		}
		return next.withFailure(err).withPhase(PhaseDone)
	}

	if st.Task.Kind == model.TaskEvaluateStudent {
		return next.withPhase(PhaseQualityCheck)
	}
	return next.withPhase(PhaseDone)
}

// qualityCheck applies the consistency rubric to the current evaluation
// results and either accepts them, schedules a bounded retry, or gives up
// at the cap.
func (o *Orchestrator) qualityCheck(st State) State {
	start := time.Now()
	verdict := checkResults(st.Results)
	st = st.withQualityCheck(verdict).withToolCall(model.ToolCallLog{
		Tool:     "quality_check",
		Duration: time.Since(start),
		Success:  true,
		At:       time.Now(),
	})

	if verdict.Acceptable {
		return st.withPhase(PhaseDone)
	}

	if st.RetryCount < MaxRetries {
		st.RetryCount++
		st.Flagged = verdict.FlaggedNumbers()
		slog.Info("quality check rejected evaluation, retrying",
			"issues", len(verdict.Issues), "retry", st.RetryCount, "max_retries", MaxRetries)
		return st.withPhase(PhaseReasoning)
	}

	// Retries exhausted: the last result set is accepted as final and the
	// review flag is forced at finalize.
	slog.Warn("quality issues persist at retry cap, accepting results",
		"issues", len(verdict.Issues), "retry_count", st.RetryCount)
	return st.withPhase(PhaseDone)
}

// finalize derives NeedsReview. This is the only place the flag is set for
// a completed run, and it is never revisited afterward.
func (o *Orchestrator) finalize(st State) State {
	if st.Task.Kind != model.TaskEvaluateStudent {
		return st
	}
	if st.Failed {
		st.NeedsReview = true
		return st
	}
	unresolvedAtCap := len(st.QualityChecks) > 0 &&
		!st.QualityChecks[len(st.QualityChecks)-1].Acceptable &&
		st.RetryCount == MaxRetries
	if unresolvedAtCap || st.MeanConfidence() < ReviewConfidenceThreshold {
		st.NeedsReview = true
	}
	return st
}
