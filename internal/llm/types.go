// Package llm provides the LLM-assisted review adapter used by the judge.
package llm

import (
	"context"
	"time"
)

// IssueSeverity classifies a code issue found during review.
type IssueSeverity string

const (
	SeverityInfo    IssueSeverity = "info"
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
)

// CodeIssue is a single finding in the reviewed diff.
type CodeIssue struct {
	Severity   IssueSeverity `json:"severity"`
	Category   string        `json:"category"`
	Message    string        `json:"message"`
	File       string        `json:"file,omitempty"`
	Line       int           `json:"line,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// Result is the structured outcome of an LLM review.
type Result struct {
	Pass        bool        `json:"pass"`
	Confidence  float64     `json:"confidence"`
	Reasons     []string    `json:"reasons"`
	Suggestions []string    `json:"suggestions"`
	CodeIssues  []CodeIssue `json:"code_issues"`
}

// Request describes one review to perform.
type Request struct {
	// Prompt frames what the model should judge (code review, stash
	// restoration decision, ...).
	Prompt string
	// Goal is the task goal the diff is supposed to achieve.
	Goal string
	// Diff is the unified diff under review.
	Diff string
	// InstructionsPath optionally points at a repo-local instructions file
	// whose contents are appended to the system prompt.
	InstructionsPath string
	// Timeout bounds the model call. Zero uses the reviewer default.
	Timeout time.Duration
}

// Reviewer judges a diff and returns structured findings.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*Result, error)
}

// HasErrorIssues reports whether any finding has error severity.
func (r *Result) HasErrorIssues() bool {
	for _, issue := range r.CodeIssues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarningIssues reports whether any finding has warning severity.
func (r *Result) HasWarningIssues() bool {
	for _, issue := range r.CodeIssues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}
