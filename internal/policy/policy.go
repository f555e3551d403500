// Package policy evaluates candidate changes against repository policy:
// allowed-path globs, diff-size budgets, and denied verification commands.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Severity classifies a policy violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Violation is a single policy rule breach.
type Violation struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of a policy evaluation.
type Result struct {
	Pass        bool        `json:"pass"`
	Reasons     []string    `json:"reasons"`
	Suggestions []string    `json:"suggestions"`
	Violations  []Violation `json:"violations"`
}

// AutoMergeRules gates automatic merging after approval.
type AutoMergeRules struct {
	Enabled bool `yaml:"enabled"`
	// AllowLLMBypass permits approval when only the LLM review failed and the
	// failure is informational. This is a policy toggle, never a code default.
	AllowLLMBypass bool `yaml:"allow_llm_bypass"`
}

// RecoveryRules gate LLM-approved restoration of stashed base-repo changes.
type RecoveryRules struct {
	RequireNoErrors   bool `yaml:"require_no_errors"`
	RequireNoWarnings bool `yaml:"require_no_warnings"`
}

// Policy is the repository review policy, loaded from YAML.
type Policy struct {
	AutoMerge AutoMergeRules `yaml:"auto_merge"`

	// MaxChangedLines fails the policy check when a candidate's total
	// added+deleted lines exceed the budget. Zero disables the check.
	MaxChangedLines int `yaml:"max_changed_lines"`

	// Diff-size thresholds used for risk classification.
	MediumRiskLines int `yaml:"medium_risk_lines"`
	HighRiskLines   int `yaml:"high_risk_lines"`

	// DocAllowedPrefixes are path prefixes considered documentation-only.
	DocAllowedPrefixes []string `yaml:"doc_allowed_prefixes"`

	Recovery RecoveryRules `yaml:"recovery"`
}

// Default returns the policy used when no POLICY_PATH is configured.
func Default() *Policy {
	return &Policy{
		AutoMerge: AutoMergeRules{
			Enabled:        true,
			AllowLLMBypass: false,
		},
		MaxChangedLines: 0,
		MediumRiskLines: 200,
		HighRiskLines:   800,
		DocAllowedPrefixes: []string{
			"docs/",
			"ops/runbooks/",
			"README.md",
		},
		Recovery: RecoveryRules{
			RequireNoErrors:   true,
			RequireNoWarnings: false,
		},
	}
}

// Load reads a policy file, returning defaults when path is empty or missing.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return p, nil
}

// ChangedFile is one file in a candidate diff with its line stats.
type ChangedFile struct {
	Path      string
	Additions int
	Deletions int
}

// TotalLines sums added and deleted lines across files.
func TotalLines(files []ChangedFile) int {
	total := 0
	for _, f := range files {
		total += f.Additions + f.Deletions
	}
	return total
}

// Evaluate checks a candidate diff against the policy and the task's own
// allowed-path and denied-command rules.
func (p *Policy) Evaluate(files []ChangedFile, allowedPaths, deniedCommands, commands []string) Result {
	res := Result{Pass: true}

	for _, f := range files {
		if !pathAllowed(f.Path, allowedPaths) {
			res.Violations = append(res.Violations, Violation{
				Type:     "path_not_allowed",
				Severity: SeverityError,
				Message:  fmt.Sprintf("file %s is outside the task's allowed paths", f.Path),
			})
		}
	}

	if p.MaxChangedLines > 0 {
		if total := TotalLines(files); total > p.MaxChangedLines {
			res.Violations = append(res.Violations, Violation{
				Type:     "diff_too_large",
				Severity: SeverityError,
				Message:  fmt.Sprintf("diff has %d changed lines, budget is %d", total, p.MaxChangedLines),
			})
			res.Suggestions = append(res.Suggestions, "split the change into smaller candidates")
		}
	}

	for _, cmd := range commands {
		for _, denied := range deniedCommands {
			if denied == "" {
				continue
			}
			if strings.Contains(cmd, denied) {
				res.Violations = append(res.Violations, Violation{
					Type:     "denied_command",
					Severity: SeverityError,
					Message:  fmt.Sprintf("verification command %q matches denied pattern %q", cmd, denied),
				})
			}
		}
	}

	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			res.Pass = false
		}
		res.Reasons = append(res.Reasons, v.Message)
	}
	return res
}

// pathAllowed reports whether path matches any allowed glob. An empty
// allow-list permits everything; a single "**" entry does the same.
func pathAllowed(path string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if pattern == "**" {
			return true
		}
		ok, err := doublestar.Match(pattern, path)
		if err == nil && ok {
			return true
		}
		// Bare directory prefixes like "docs/" are accepted as "docs/**".
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) {
			return true
		}
	}
	return false
}

// IsDocOnly reports whether every changed path is under a doc-allowed prefix.
func (p *Policy) IsDocOnly(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, path := range paths {
		matched := false
		for _, prefix := range p.DocAllowedPrefixes {
			if path == prefix || strings.HasPrefix(path, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
