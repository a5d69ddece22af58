package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		answer_key TEXT,
		total_students INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL,
		name TEXT NOT NULL,
		total_score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,
		strengths TEXT NOT NULL DEFAULT '[]',
		weaknesses TEXT NOT NULL DEFAULT '[]',
		avg_confidence REAL NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		trace TEXT,
		completed_at DATETIME NOT NULL,
		FOREIGN KEY (evaluation_id) REFERENCES evaluations(id)
	);

	CREATE TABLE IF NOT EXISTS question_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id TEXT NOT NULL,
		question_number INTEGER NOT NULL,
		question_text TEXT NOT NULL DEFAULT '',
		expected_answer TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		max_score REAL NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		is_correct INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (student_id) REFERENCES students(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'teacher',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_students_evaluation ON students(evaluation_id);
	CREATE INDEX IF NOT EXISTS idx_results_student ON question_results(student_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateEvaluation inserts a new evaluation in pending state.
func (s *Store) CreateEvaluation(ev model.Evaluation) error {
	_, err := s.db.Exec(
		`INSERT INTO evaluations (id, title, status, progress, message, total_students, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Title, ev.Status, ev.Progress, ev.Message, ev.TotalStudents, time.Now(),
	)
	return err
}

// UpdateEvaluationStatus sets the status and, for failures, the error message.
func (s *Store) UpdateEvaluationStatus(id string, status model.EvaluationStatus, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE evaluations SET status = ?, error_message = ? WHERE id = ?`,
		status, errMsg, id,
	)
	return err
}

// UpdateProgress records the latest progress percentage and message.
func (s *Store) UpdateProgress(id string, progress float64, message string) error {
	_, err := s.db.Exec(
		`UPDATE evaluations SET progress = ?, message = ? WHERE id = ?`,
		progress, message, id,
	)
	return err
}

// SetAnswerKey stores the parsed answer key as JSON.
func (s *Store) SetAnswerKey(id string, key model.AnswerKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal answer key: %w", err)
	}
	_, err = s.db.Exec(`UPDATE evaluations SET answer_key = ? WHERE id = ?`, string(data), id)
	return err
}

// GetEvaluation returns an evaluation by ID with aggregate student counts.
func (s *Store) GetEvaluation(id string) (*model.Evaluation, error) {
	var ev model.Evaluation
	var keyJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT id, title, status, progress, message, error_message, answer_key, total_students, created_at
		 FROM evaluations WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.Title, &ev.Status, &ev.Progress, &ev.Message, &ev.ErrorMessage,
		&keyJSON, &ev.TotalStudents, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if keyJSON.Valid && keyJSON.String != "" {
		var key model.AnswerKey
		if err := json.Unmarshal([]byte(keyJSON.String), &key); err != nil {
			return nil, fmt.Errorf("unmarshal answer key: %w", err)
		}
		ev.AnswerKey = &key
	}
	if err := s.fillAggregates(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvaluations returns all evaluations, newest first.
func (s *Store) ListEvaluations() ([]model.Evaluation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, status, progress, message, error_message, total_students, created_at
		 FROM evaluations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evals []model.Evaluation
	for rows.Next() {
		var ev model.Evaluation
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.Status, &ev.Progress, &ev.Message,
			&ev.ErrorMessage, &ev.TotalStudents, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := s.fillAggregates(&ev); err != nil {
			return nil, err
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

func (s *Store) fillAggregates(ev *model.Evaluation) error {
	return s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(AVG(percentage), 0) FROM students WHERE evaluation_id = ?`,
		ev.ID,
	).Scan(&ev.CompletedStudents, &ev.AverageScore)
}

// SaveStudentEvaluation stores a completed student evaluation with all
// question results in one transaction.
func (s *Store) SaveStudentEvaluation(evaluationID string, se model.StudentEvaluation) error {
	strengths, err := json.Marshal(se.Strengths)
	if err != nil {
		return fmt.Errorf("marshal strengths: %w", err)
	}
	weaknesses, err := json.Marshal(se.Weaknesses)
	if err != nil {
		return fmt.Errorf("marshal weaknesses: %w", err)
	}
	var trace sql.NullString
	if se.Trace != nil {
		data, err := json.Marshal(se.Trace)
		if err != nil {
			return fmt.Errorf("marshal trace: %w", err)
		}
		trace = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO students (id, evaluation_id, name, total_score, max_score, percentage,
		   strengths, weaknesses, avg_confidence, needs_review, trace, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   total_score = excluded.total_score, max_score = excluded.max_score,
		   percentage = excluded.percentage, strengths = excluded.strengths,
		   weaknesses = excluded.weaknesses, avg_confidence = excluded.avg_confidence,
		   needs_review = excluded.needs_review, trace = excluded.trace,
		   completed_at = excluded.completed_at`,
		se.StudentID, evaluationID, se.StudentName, se.TotalScore, se.MaxScore, se.Percentage,
		string(strengths), string(weaknesses), se.AvgConfidence, se.NeedsReview, trace, time.Now(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM question_results WHERE student_id = ?`, se.StudentID); err != nil {
		return err
	}
	for _, r := range se.Results {
		_, err := tx.Exec(
			`INSERT INTO question_results (student_id, question_number, question_text, expected_answer,
			   student_answer, max_score, score, feedback, is_correct, confidence, reasoning)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			se.StudentID, r.QuestionNumber, r.QuestionText, r.ExpectedAnswer,
			r.StudentAnswer, r.MaxScore, r.Score, r.Feedback, r.IsCorrect, r.Confidence, r.Reasoning,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetStudentEvaluation returns one student's evaluation with all question
// results, or nil if not found.
func (s *Store) GetStudentEvaluation(evaluationID, studentID string) (*model.StudentEvaluation, error) {
	var se model.StudentEvaluation
	var strengths, weaknesses string
	var trace sql.NullString
	err := s.db.QueryRow(
		`SELECT id, name, total_score, max_score, percentage, strengths, weaknesses,
		   avg_confidence, needs_review, trace
		 FROM students WHERE id = ? AND evaluation_id = ?`, studentID, evaluationID,
	).Scan(&se.StudentID, &se.StudentName, &se.TotalScore, &se.MaxScore, &se.Percentage,
		&strengths, &weaknesses, &se.AvgConfidence, &se.NeedsReview, &trace)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(strengths), &se.Strengths); err != nil {
		return nil, fmt.Errorf("unmarshal strengths: %w", err)
	}
	if err := json.Unmarshal([]byte(weaknesses), &se.Weaknesses); err != nil {
		return nil, fmt.Errorf("unmarshal weaknesses: %w", err)
	}
	if trace.Valid && trace.String != "" {
		var t model.AgentTrace
		if err := json.Unmarshal([]byte(trace.String), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trace: %w", err)
		}
		se.Trace = &t
	}

	results, err := s.questionResults(studentID)
	if err != nil {
		return nil, err
	}
	se.Results = results
	return &se, nil
}

// ListStudentEvaluations returns all student evaluations for an evaluation.
func (s *Store) ListStudentEvaluations(evaluationID string) ([]model.StudentEvaluation, error) {
	rows, err := s.db.Query(
		`SELECT id FROM students WHERE evaluation_id = ? ORDER BY name`, evaluationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var evals []model.StudentEvaluation
	for _, id := range ids {
		se, err := s.GetStudentEvaluation(evaluationID, id)
		if err != nil {
			return nil, err
		}
		if se != nil {
			evals = append(evals, *se)
		}
	}
	return evals, nil
}

func (s *Store) questionResults(studentID string) ([]model.QuestionResult, error) {
	rows, err := s.db.Query(
		`SELECT question_number, question_text, expected_answer, student_answer,
		   max_score, score, feedback, is_correct, confidence, reasoning
		 FROM question_results WHERE student_id = ? ORDER BY question_number`, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.QuestionResult
	for rows.Next() {
		var r model.QuestionResult
		if err := rows.Scan(&r.QuestionNumber, &r.QuestionText, &r.ExpectedAnswer, &r.StudentAnswer,
			&r.MaxScore, &r.Score, &r.Feedback, &r.IsCorrect, &r.Confidence, &r.Reasoning); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
