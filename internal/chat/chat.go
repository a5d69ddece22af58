// Package chat answers free-form questions about a student's graded exam.
// Each call is a single stateless turn: the caller supplies the evaluation
// summary and any history worth keeping.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// HistoryLimit is the number of most recent chat turns retained in the
// prompt.
const HistoryLimit = 3

// maxAnswerTokens bounds the model's chat reply length.
const maxAnswerTokens = 1024

// maxContextQuestions bounds per-question detail embedded in the prompt.
const maxContextQuestions = 3

// Completer is the free-text completion contract the responder depends on.
// *llm.Client satisfies it.
type Completer interface {
	CompleteText(ctx context.Context, instruction string, history []model.ChatTurn, question string, maxTokens int) (string, error)
}

// Responder builds chat prompts from evaluation summaries and forwards them
// to the reasoning service.
type Responder struct {
	llm  Completer
	lang string
}

// New creates a chat responder. lang is the language name used for replies.
func New(llm Completer, lang string) *Responder {
	return &Responder{llm: llm, lang: lang}
}

// Respond answers a question about one student's evaluation. Any reasoning
// service failure yields a fixed fallback message instead of an error: chat
// failures never affect stored evaluation data.
func (r *Responder) Respond(ctx context.Context, eval model.StudentEvaluation, history []model.ChatTurn, question string) string {
	instruction, err := prompts.BuildChat(prompts.ChatData{
		Context:  buildContext(eval),
		Language: r.lang,
	})
	if err != nil {
		slog.Error("chat prompt build failed", "error", err)
		return i18n.T(ctx, "chat_fallback")
	}

	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}

	answer, err := r.llm.CompleteText(ctx, instruction, history, question, maxAnswerTokens)
	if err != nil {
		slog.Error("chat completion failed", "student", eval.StudentID, "error", err)
		return i18n.T(ctx, "chat_fallback")
	}

	return unwrapJSON(strings.TrimSpace(answer))
}

func buildContext(eval model.StudentEvaluation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "STUDENT: %s\n", eval.StudentName)
	fmt.Fprintf(&sb, "SCORE: %.1f/%.1f (%.1f%%)\n", eval.TotalScore, eval.MaxScore, eval.Percentage)
	if len(eval.Strengths) > 0 {
		fmt.Fprintf(&sb, "STRENGTHS: %s\n", strings.Join(eval.Strengths, "; "))
	}
	if len(eval.Weaknesses) > 0 {
		fmt.Fprintf(&sb, "WEAKNESSES: %s\n", strings.Join(eval.Weaknesses, "; "))
	}
	fmt.Fprintf(&sb, "\nQUESTIONS (%d total):\n", len(eval.Results))
	for i, q := range eval.Results {
		if i >= maxContextQuestions {
			break
		}
		verdict := "incorrect"
		if q.IsCorrect {
			verdict = "correct"
		}
		feedback := q.Feedback
		if len([]rune(feedback)) > 100 {
			feedback = string([]rune(feedback)[:100]) + "..."
		}
		fmt.Fprintf(&sb, "Q%d: %.1f/%.1f - %s\nFeedback: %s\n",
			q.QuestionNumber, q.Score, q.MaxScore, verdict, feedback)
	}
	return strings.TrimSpace(sb.String())
}

// unwrapJSON extracts plain text from a JSON-shaped reply. Some models
// answer with a JSON object despite instructions; in that case the first
// string field that looks like an answer is returned, otherwise the reply
// is passed through verbatim.
func unwrapJSON(answer string) string {
	if !strings.HasPrefix(answer, "{") && !strings.HasPrefix(answer, "[") {
		return answer
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(answer), &obj); err != nil {
		return answer
	}

	for _, key := range []string{"answer", "response", "text", "message", "content"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}

	var parts []string
	for _, v := range obj {
		if s, ok := v.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return answer
}
