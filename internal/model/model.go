package model

import "time"

// TaskKind identifies the unit of orchestration work the agent performs.
type TaskKind string

const (
	// TaskParseAnswerKey extracts question/answer records from an answer key document.
	TaskParseAnswerKey TaskKind = "parse_answer_key"
	// TaskParseStudentAnswer extracts a student's answers from an answer sheet.
	TaskParseStudentAnswer TaskKind = "parse_student_answer"
	// TaskEvaluateStudent scores a student's answers against an answer key.
	TaskEvaluateStudent TaskKind = "evaluate_student"
)

// Task is an immutable request to the agent orchestrator.
type Task struct {
	Kind      TaskKind
	InputText string
	Context   TaskContext
}

// TaskContext carries auxiliary data a task needs beyond its input text.
type TaskContext struct {
	Questions      []QuestionRecord // answer key, for evaluate_student
	StudentAnswers []StudentAnswer  // parsed student answers, for evaluate_student
	QuestionCount  int              // expected count, for parse_student_answer
}

// QuestionRecord is one question from a parsed answer key.
type QuestionRecord struct {
	Number         int      `json:"number"`
	QuestionText   string   `json:"question_text"`
	ExpectedAnswer string   `json:"expected_answer"`
	MaxScore       float64  `json:"max_score"`
	Keywords       []string `json:"keywords,omitempty"`
}

// AnswerKey is the full output of answer key extraction.
type AnswerKey struct {
	Questions        []QuestionRecord `json:"questions"`
	TotalQuestions   int              `json:"total_questions"`
	MaxPossibleScore float64          `json:"max_possible_score"`
}

// StudentAnswer is one answer from a parsed student answer sheet.
type StudentAnswer struct {
	Number        int    `json:"number"`
	StudentAnswer string `json:"student_answer"`
}

// QuestionResult is the evaluation outcome for one question.
type QuestionResult struct {
	QuestionNumber int     `json:"question_number"`
	QuestionText   string  `json:"question_text"`
	ExpectedAnswer string  `json:"expected_answer"`
	StudentAnswer  string  `json:"student_answer"`
	MaxScore       float64 `json:"max_score"`
	Score          float64 `json:"score"`
	Feedback       string  `json:"feedback"`
	IsCorrect      bool    `json:"is_correct"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// CorrectThreshold is the fraction of max score at or above which an
// answer counts as correct.
const CorrectThreshold = 0.70

// Correct reports whether a score clears the correctness threshold for
// the given maximum.
func Correct(score, maxScore float64) bool {
	if maxScore <= 0 {
		return false
	}
	return score/maxScore >= CorrectThreshold
}

// StudentEvaluation aggregates all question results for one student.
type StudentEvaluation struct {
	StudentID     string           `json:"student_id"`
	StudentName   string           `json:"student_name"`
	TotalScore    float64          `json:"total_score"`
	MaxScore      float64          `json:"max_score"`
	Percentage    float64          `json:"percentage"`
	Strengths     []string         `json:"strengths"`
	Weaknesses    []string         `json:"weaknesses"`
	AvgConfidence float64          `json:"avg_confidence"`
	NeedsReview   bool             `json:"needs_review"`
	Results       []QuestionResult `json:"results"`
	Trace         *AgentTrace      `json:"_agent_trace,omitempty"`
}

// PerformanceAnalysis holds aggregate strengths/weaknesses for a student.
type PerformanceAnalysis struct {
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
	Confidence float64  `json:"confidence"`
}

// QualityIssue describes one problem the quality check found with an
// evaluation result.
type QualityIssue struct {
	QuestionNumber int    `json:"question_number"`
	Description    string `json:"description"`
}

// QualityVerdict is the outcome of one quality-check phase.
type QualityVerdict struct {
	Acceptable bool           `json:"acceptable"`
	Issues     []QualityIssue `json:"issues,omitempty"`
}

// FlaggedNumbers returns the distinct question numbers with issues, in order.
func (v QualityVerdict) FlaggedNumbers() []int {
	seen := make(map[int]bool)
	var nums []int
	for _, iss := range v.Issues {
		if !seen[iss.QuestionNumber] {
			seen[iss.QuestionNumber] = true
			nums = append(nums, iss.QuestionNumber)
		}
	}
	return nums
}

// ToolCallLog records one tool dispatch for observability.
type ToolCallLog struct {
	Tool     string        `json:"tool"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	At       time.Time     `json:"at"`
}

// AgentTrace is the audit summary of one orchestrator run, persisted with
// the terminal records for transparency.
type AgentTrace struct {
	Thoughts      []string         `json:"thoughts"`
	Observations  []string         `json:"observations"`
	QualityChecks []QualityVerdict `json:"quality_checks,omitempty"`
	ToolCalls     []ToolCallLog    `json:"tool_calls"`
	RetryCount    int              `json:"retry_count"`
}

// ChatRole identifies the author of a chat turn.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatTurn is one prior message in a chat about a student's results.
type ChatTurn struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// EvaluationStatus tracks the lifecycle of an evaluation run.
type EvaluationStatus string

const (
	StatusPending    EvaluationStatus = "pending"
	StatusParsing    EvaluationStatus = "parsing"
	StatusEvaluating EvaluationStatus = "evaluating"
	StatusCompleted  EvaluationStatus = "completed"
	StatusFailed     EvaluationStatus = "failed"
)

// Evaluation is one exam evaluation session: one answer key graded against
// any number of student answer sheets.
type Evaluation struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	Status            EvaluationStatus `json:"status"`
	Progress          float64          `json:"progress"`
	Message           string           `json:"message"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	AnswerKey         *AnswerKey       `json:"answer_key,omitempty"`
	TotalStudents     int              `json:"total_students"`
	CompletedStudents int              `json:"completed_students"`
	AverageScore      float64          `json:"average_score"`
	CreatedAt         time.Time        `json:"created_at"`
}

// StudentDocument is one uploaded student answer sheet queued for evaluation.
type StudentDocument struct {
	StudentID   string
	StudentName string
	Text        string
}
