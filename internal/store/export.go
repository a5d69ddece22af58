package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// ExportAll builds an export of every evaluation with all student results.
func (s *Store) ExportAll() (*model.EvaluationExport, error) {
	evals, err := s.ListEvaluations()
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	export := &model.EvaluationExport{ExportedAt: time.Now()}
	for _, ev := range evals {
		students, err := s.ListStudentEvaluations(ev.ID)
		if err != nil {
			return nil, fmt.Errorf("list students for %s: %w", ev.ID, err)
		}
		export.Evaluations = append(export.Evaluations, model.EvaluationResult{
			Evaluation: ev,
			Students:   students,
		})
	}
	return export, nil
}
