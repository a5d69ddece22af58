package prompts

import (
	"bytes"
	"embed"
	"errors"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

// NoAnswerPlaceholder marks a question the student left unanswered.
const NoAnswerPlaceholder = "[No answer provided]"

// maxAnswerRunes bounds the amount of document text embedded in a prompt.
const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Name identifies a prompt template.
type Name string

const (
	PromptExtractKey     Name = "extract_key"
	PromptExtractStudent Name = "extract_student"
	PromptEvaluate       Name = "evaluate"
	PromptAnalyze        Name = "analyze"
	PromptChat           Name = "chat"
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Name]*template.Template
)

func load() error {
	loadOnce.Do(func() {
		templates = make(map[Name]*template.Template)
		names := []Name{PromptExtractKey, PromptExtractStudent, PromptEvaluate, PromptAnalyze, PromptChat}
		for _, n := range names {
			file := "templates/" + string(n) + ".txt"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = errors.New("read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(n)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[n] = tmpl
		}
	})
	return loadErr
}

// ExtractKeyData holds template data for answer key extraction prompts.
type ExtractKeyData struct {
	Text string
}

// ExtractStudentData holds template data for student answer extraction prompts.
type ExtractStudentData struct {
	Text          string
	QuestionCount int
}

// EvalData holds template data for single-answer evaluation prompts.
type EvalData struct {
	QuestionNumber int
	QuestionText   string
	ExpectedAnswer string
	StudentAnswer  string
	MaxScore       float64
	Keywords       string
	Language       string
	PriorIssues    []string
}

// AnalyzeData holds template data for performance analysis prompts.
type AnalyzeData struct {
	StudentName      string
	TotalScore       float64
	MaxScore         float64
	Percentage       float64
	QuestionsSummary string
	Language         string
}

// ChatData holds template data for the chat system prompt.
type ChatData struct {
	Context  string
	Language string
}

// Build renders the named prompt template with the given data.
func Build(name Name, data any) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", errors.New("unknown prompt template: " + string(name))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildExtractKey renders the answer key extraction prompt.
func BuildExtractKey(data ExtractKeyData) (string, error) {
	data.Text = Sanitize(data.Text)
	return Build(PromptExtractKey, data)
}

// BuildExtractStudent renders the student answer extraction prompt.
func BuildExtractStudent(data ExtractStudentData) (string, error) {
	data.Text = Sanitize(data.Text)
	return Build(PromptExtractStudent, data)
}

// BuildEvaluate renders the single-answer evaluation prompt.
func BuildEvaluate(data EvalData) (string, error) {
	data.StudentAnswer = Sanitize(data.StudentAnswer)
	return Build(PromptEvaluate, data)
}

// BuildAnalyze renders the performance analysis prompt.
func BuildAnalyze(data AnalyzeData) (string, error) {
	return Build(PromptAnalyze, data)
}

// BuildChat renders the chat system prompt.
func BuildChat(data ChatData) (string, error) {
	return Build(PromptChat, data)
}

// Sanitize strips instruction-injection tags from document text, trims it,
// and bounds its length. Empty input becomes the no-answer placeholder.
func Sanitize(text string) string {
	text = studentAnswerRegex.ReplaceAllString(text, "")
	text = systemInstructionsRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return NoAnswerPlaceholder
	}

	if utf8.RuneCountInString(text) > maxAnswerRunes {
		runes := []rune(text)
		text = string(runes[:maxAnswerRunes]) + "\n\n[Text truncated due to length]"
	}

	return text
}

// IsNoAnswer reports whether the given student answer is empty or the
// no-answer placeholder produced by extraction.
func IsNoAnswer(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	return trimmed == "" || strings.EqualFold(trimmed, NoAnswerPlaceholder)
}
