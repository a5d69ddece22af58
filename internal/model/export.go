package model

import "time"

// EvaluationExport is the top-level JSON structure for result export.
type EvaluationExport struct {
	ExportedAt  time.Time          `json:"exported_at"`
	Evaluations []EvaluationResult `json:"evaluations"`
}

// EvaluationResult holds one evaluation with all student outcomes for export.
type EvaluationResult struct {
	Evaluation Evaluation          `json:"evaluation"`
	Students   []StudentEvaluation `json:"students"`
}
