package llm

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/grader/internal/model"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names a JSON Schema that structured completions are validated against.
type Schema string

const (
	SchemaAnswerKey      Schema = "answer_key"
	SchemaStudentAnswers Schema = "student_answers"
	SchemaEvaluation     Schema = "evaluation"
	SchemaAnalysis       Schema = "analysis"
)

var allSchemas = []Schema{SchemaAnswerKey, SchemaStudentAnswers, SchemaEvaluation, SchemaAnalysis}

// Options configures call behavior of a Client.
type Options struct {
	// Timeout bounds each structured completion call.
	Timeout time.Duration
	// ChatTimeout bounds each free-text completion call.
	ChatTimeout time.Duration
	// MinInterval is the minimum spacing between consecutive API calls,
	// enforced to respect the provider's requests-per-minute cap.
	MinInterval time.Duration
}

// DefaultOptions returns the call options used when a field is zero.
func DefaultOptions() Options {
	return Options{
		Timeout:     60 * time.Second,
		ChatTimeout: 30 * time.Second,
		MinInterval: 6 * time.Second,
	}
}

// Client wraps an OpenAI-compatible API client and validates structured
// responses against embedded JSON Schemas.
type Client struct {
	api     *openai.Client
	model   string
	opts    Options
	schemas map[Schema]*jsonschema.Schema

	mu       sync.Mutex
	nextCall time.Time
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts Options) (*Client, error) {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = def.ChatTimeout
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = def.MinInterval
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile response schemas: %w", err)
	}

	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		opts:    opts,
		schemas: schemas,
	}, nil
}

func compileSchemas() (map[Schema]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for _, name := range allSchemas {
		file := "schemas/" + string(name) + ".json"
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		if err := compiler.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", file, err)
		}
	}

	compiled := make(map[Schema]*jsonschema.Schema, len(allSchemas))
	for _, name := range allSchemas {
		sch, err := compiler.Compile("schemas/" + string(name) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		compiled[name] = sch
	}
	return compiled, nil
}

// Ping verifies the API endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// throttle blocks until the minimum inter-call interval has elapsed since
// the previous call, or the context is done.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	at := c.nextCall
	if at.Before(now) {
		at = now
	}
	c.nextCall = at.Add(c.opts.MinInterval)
	c.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompleteStructured sends an instruction plus context text and parses the
// model's JSON response into out after validating it against the named
// schema. The call fails deterministically past the configured timeout.
func (c *Client) CompleteStructured(ctx context.Context, instruction, contextText string, schema Schema, out any) error {
	sch, ok := c.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown response schema %q", schema)
	}

	if err := c.throttle(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: contextText},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("structured LLM response", "schema", schema, "raw", raw)

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		return fmt.Errorf("parse structured response: %w (raw: %s)", err, raw)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("response failed %s schema: %w", schema, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode structured response: %w (raw: %s)", err, raw)
	}
	return nil
}

// CompleteText sends an instruction, prior chat turns, and a new question,
// and returns the model's free-text answer.
func (c *Client) CompleteText(ctx context.Context, instruction string, history []model.ChatTurn, question string, maxTokens int) (string, error) {
	if err := c.throttle(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ChatTimeout)
	defer cancel()

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instruction},
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == model.ChatRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("LLM chat call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
