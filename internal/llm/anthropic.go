package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout   = 300 * time.Second
	defaultMaxTokens = 4096
)

// ErrReviewerUnavailable is returned while the call breaker is open after
// consecutive transport failures. Callers classify it as non-actionable.
var ErrReviewerUnavailable = errors.New("llm reviewer unavailable: circuit open")

// AnthropicReviewer reviews diffs with the Anthropic Messages API.
// Transport failures trip a circuit breaker so a degraded API does not stall
// every candidate in a tick.
type AnthropicReviewer struct {
	client  anthropic.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewAnthropicReviewer creates a reviewer for the given model using the
// ANTHROPIC_API_KEY from the environment.
func NewAnthropicReviewer(model string) *AnthropicReviewer {
	return &AnthropicReviewer{
		client: anthropic.NewClient(option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY"))),
		model:  model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm-review",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		log: slog.Default().With("component", "llm"),
	}
}

// Review implements Reviewer.
func (r *AnthropicReviewer) Review(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrReviewerUnavailable
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (r *AnthropicReviewer) call(ctx context.Context, req Request) (*Result, error) {
	system := buildSystemPrompt(req.InstructionsPath)
	prompt := buildUserPrompt(req)

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages api: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result, err := ParseResult(text.String())
	if err != nil {
		r.log.Warn("unparseable review response", "model", r.model, "error", err)
		return nil, fmt.Errorf("parse review response: %w", err)
	}
	return result, nil
}

func buildSystemPrompt(instructionsPath string) string {
	var b strings.Builder
	b.WriteString(`You are a strict automated code reviewer inside a CI pipeline.
Judge the submitted diff against the stated goal. Respond with a single JSON
object and nothing else, using this schema:

{
  "pass": bool,
  "confidence": number between 0 and 1,
  "reasons": [string],
  "suggestions": [string],
  "code_issues": [
    {"severity": "info"|"warning"|"error", "category": string,
     "message": string, "file": string, "line": number, "suggestion": string}
  ]
}`)

	if instructionsPath != "" {
		if data, err := os.ReadFile(instructionsPath); err == nil && len(data) > 0 {
			b.WriteString("\n\nRepository review instructions:\n")
			b.Write(data)
		}
	}
	return b.String()
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	if req.Prompt != "" {
		b.WriteString(req.Prompt)
		b.WriteString("\n\n")
	}
	if req.Goal != "" {
		b.WriteString("Task goal:\n")
		b.WriteString(req.Goal)
		b.WriteString("\n\n")
	}
	b.WriteString("Diff:\n```diff\n")
	b.WriteString(req.Diff)
	b.WriteString("\n```\n")
	return b.String()
}
