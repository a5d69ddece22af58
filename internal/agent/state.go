package agent

import (
	"slices"

	"github.com/pavelanni/grader/internal/model"
)

// Phase is a state of the orchestrator state machine.
type Phase int

const (
	PhaseEntry Phase = iota
	PhaseReasoning
	PhaseToolExecution
	PhaseQualityCheck
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseEntry:
		return "entry"
	case PhaseReasoning:
		return "reasoning"
	case PhaseToolExecution:
		return "tool_execution"
	case PhaseQualityCheck:
		return "quality_check"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// ToolID is the closed set of tools the orchestrator can dispatch.
// Dispatch switches over this set exhaustively, so adding a tool is a
// compile-time-checked change.
type ToolID int

const (
	ToolExtractAnswerKey ToolID = iota
	ToolExtractStudentAnswers
	ToolEvaluateAnswers
)

func (t ToolID) String() string {
	switch t {
	case ToolExtractAnswerKey:
		return "extract_answer_key"
	case ToolExtractStudentAnswers:
		return "extract_student_answers"
	case ToolEvaluateAnswers:
		return "evaluate_answers"
	}
	return "unknown"
}

// MaxRetries caps quality-gated re-evaluation rounds. The initial pass plus
// MaxRetries retries bounds an evaluate task at MaxRetries+1 passes total.
const MaxRetries = 2

// ReviewConfidenceThreshold is the mean confidence below which a finished
// evaluation is flagged for human review.
const ReviewConfidenceThreshold = 0.6

// State is the orchestrator's working memory for one task run. Transitions
// never mutate a State in place; each step method returns a new value, so a
// snapshot taken at any checkpoint stays valid.
type State struct {
	Task  model.Task
	Phase Phase

	Thoughts     []string
	Actions      []ToolID
	Observations []string

	QualityChecks    []model.QualityVerdict
	RetryCount       int
	NeedsReview      bool
	ConfidenceScores []float64
	ToolCalls        []model.ToolCallLog

	// Outputs, populated by the tool matching the task kind.
	AnswerKey      *model.AnswerKey
	StudentAnswers []model.StudentAnswer
	Results        []model.QuestionResult

	// Flagged holds the question numbers to re-evaluate on the next pass.
	Flagged []int

	// Failed marks a terminal infrastructure or input failure; Err holds
	// the cause.
	Failed bool
	Err    error
}

// NewState returns the initial state for a task.
func NewState(task model.Task) State {
	return State{Task: task, Phase: PhaseEntry}
}

func (s State) withPhase(p Phase) State {
	s.Phase = p
	return s
}

func (s State) withThought(thought string) State {
	s.Thoughts = append(slices.Clone(s.Thoughts), thought)
	return s
}

func (s State) withAction(tool ToolID) State {
	s.Actions = append(slices.Clone(s.Actions), tool)
	return s
}

func (s State) withObservation(obs string) State {
	s.Observations = append(slices.Clone(s.Observations), obs)
	return s
}

func (s State) withToolCall(log model.ToolCallLog) State {
	s.ToolCalls = append(slices.Clone(s.ToolCalls), log)
	return s
}

func (s State) withQualityCheck(v model.QualityVerdict) State {
	s.QualityChecks = append(slices.Clone(s.QualityChecks), v)
	return s
}

func (s State) withConfidence(scores ...float64) State {
	s.ConfidenceScores = append(slices.Clone(s.ConfidenceScores), scores...)
	return s
}

func (s State) withFailure(err error) State {
	s.Failed = true
	s.Err = err
	return s
}

// MeanConfidence returns the mean of the recorded confidence scores, or 0
// when none were recorded.
func (s State) MeanConfidence() float64 {
	if len(s.ConfidenceScores) == 0 {
		return 0
	}
	var sum float64
	for _, c := range s.ConfidenceScores {
		sum += c
	}
	return sum / float64(len(s.ConfidenceScores))
}

// Trace builds the audit summary handed to the persistence layer. Callers
// never see the state machine itself, only this record.
func (s State) Trace() *model.AgentTrace {
	return &model.AgentTrace{
		Thoughts:      slices.Clone(s.Thoughts),
		Observations:  slices.Clone(s.Observations),
		QualityChecks: slices.Clone(s.QualityChecks),
		ToolCalls:     slices.Clone(s.ToolCalls),
		RetryCount:    s.RetryCount,
	}
}
