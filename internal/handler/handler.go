// Package handler exposes the grading service as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pavelanni/grader/internal/chat"
	"github.com/pavelanni/grader/internal/document"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/progress"
	"github.com/pavelanni/grader/internal/store"
	"github.com/pavelanni/grader/internal/worker"
)

// maxUploadBytes bounds a single evaluation upload (answer key plus all
// student sheets).
const maxUploadBytes = 32 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	worker    *worker.Worker
	chat      *chat.Responder
	extractor document.Extractor
	tracker   *progress.Tracker
}

// New creates a new Handler.
func New(s *store.Store, w *worker.Worker, c *chat.Responder, ex document.Extractor, tr *progress.Tracker) *Handler {
	return &Handler{store: s, worker: w, chat: c, extractor: ex, tracker: tr}
}

// Router builds the full route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/logout", h.handleLogout)
		r.Post("/api/evaluations", h.handleCreateEvaluation)
		r.Get("/api/evaluations", h.handleListEvaluations)
		r.Get("/api/evaluations/{id}", h.handleGetEvaluation)
		r.Get("/api/evaluations/{id}/students", h.handleListStudents)
		r.Get("/api/evaluations/{id}/students/{studentID}", h.handleGetStudent)
		r.Post("/api/evaluations/{id}/students/{studentID}/chat", h.handleChat)
		r.Get("/api/export", h.handleExport)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleCreateEvaluation accepts a multipart upload with a title field, an
// "answer_key" file and any number of "students" files, creates the
// evaluation record and starts grading in the background.
func (h *Handler) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	keyHeaders := r.MultipartForm.File["answer_key"]
	if len(keyHeaders) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one answer_key file is required")
		return
	}
	keyText, err := h.readDocument(keyHeaders[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "answer key: "+err.Error())
		return
	}

	studentHeaders := r.MultipartForm.File["students"]
	if len(studentHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "at least one students file is required")
		return
	}
	var students []model.StudentDocument
	for _, fh := range studentHeaders {
		text, err := h.readDocument(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fh.Filename+": "+err.Error())
			return
		}
		students = append(students, model.StudentDocument{
			StudentID:   uuid.NewString(),
			StudentName: studentName(fh.Filename),
			Text:        text,
		})
	}

	ev := model.Evaluation{
		ID:            uuid.NewString(),
		Title:         title,
		Status:        model.StatusPending,
		TotalStudents: len(students),
	}
	if err := h.store.CreateEvaluation(ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Grading runs detached from the request lifetime.
	go func() {
		if err := h.worker.ProcessEvaluation(context.Background(), ev.ID, keyText, students); err != nil {
			slog.Error("background evaluation failed", "evaluation", ev.ID, "error", err)
		}
	}()

	slog.Info("evaluation accepted", "evaluation", ev.ID, "title", title, "students", len(students))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

func (h *Handler) readDocument(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return "", err
	}
	text, err := h.extractor.ExtractText(fh.Filename, data)
	if errors.Is(err, document.ErrUnreadable) {
		return "", err
	}
	return text, err
}

// studentName derives a display name from an uploaded filename.
func studentName(filename string) string {
	base := filepath.Base(filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.TrimSpace(name)
}

func (h *Handler) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := h.store.ListEvaluations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evals == nil {
		evals = []model.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evals)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.store.GetEvaluation(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	// Live runs carry fresher progress in memory than in the store.
	if u, ok := h.tracker.Get(id); ok {
		ev.Progress = u.Percentage
		ev.Message = u.Message
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	students, err := h.store.ListStudentEvaluations(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if students == nil {
		students = []model.StudentEvaluation{}
	}
	writeJSON(w, http.StatusOK, students)
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	se, err := h.store.GetStudentEvaluation(chi.URLParam(r, "id"), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if se == nil {
		writeError(w, http.StatusNotFound, "student evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, se)
}

type chatRequest struct {
	Question string           `json:"question"`
	History  []model.ChatTurn `json:"history,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	se, err := h.store.GetStudentEvaluation(chi.URLParam(r, "id"), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if se == nil {
		writeError(w, http.StatusNotFound, "student evaluation not found")
		return
	}

	answer := h.chat.Respond(r.Context(), *se, req.History, req.Question)
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, export)
}
