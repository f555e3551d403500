package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResult extracts the structured review from a model response. Models
// occasionally wrap the JSON in prose or a fenced code block, so parsing
// falls back to the outermost {...} span.
func ParseResult(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	candidate := text
	if strings.Contains(candidate, "```") {
		candidate = stripCodeFence(candidate)
	}

	var result Result
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return clamp(&result), nil
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("invalid review JSON: %w", err)
	}
	return clamp(&result), nil
}

func stripCodeFence(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	// Skip an optional language tag on the fence line.
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// clamp keeps confidence inside [0,1] regardless of what the model emitted.
func clamp(r *Result) *Result {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}
