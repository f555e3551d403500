package judge

import "strings"

// conflictSignals is the fixed keyword list the escalation router matches
// against merge-deferral reasons. A hit routes the PR to Conflict-AutoFix
// instead of an awaiting-judge retry.
var conflictSignals = []string{
	"not mergeable",
	"merge conflict",
	"conflict",
	"mergeable_state",
	"dirty",
	"update_branch_failed",
	"pr_merge_conflict_detected",
}

// nonActionableKeywords marks LLM failure reasons a worker cannot fix:
// transport and quota problems, mergeability prechecks, and explicit
// hand-off-to-human markers.
var nonActionableKeywords = []string{
	"quota",
	"rate limit",
	"resource_exhausted",
	"pr_merge_conflict_detected",
	"pr_base_behind",
	"mergeability_precheck_failed",
	"llm review failed",
	"encountered an error",
	"manual review recommended",
}

// doomLoopMarker is the literal the LLM emits when it detects repeated
// non-productive retries of the same candidate.
const doomLoopMarker = "doom_loop_detected"

// IsConflictSignal reports whether a merge-deferral reason indicates a branch
// conflict. Deterministic: applying it twice yields the same answer.
func IsConflictSignal(reason string) bool {
	lower := strings.ToLower(reason)
	for _, signal := range conflictSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

// HasActionableLLMFailures reports whether the LLM failed with concrete code
// issues a remediation worker can act on.
func HasActionableLLMFailures(summary *EvaluationSummary) bool {
	return !summary.LLM.Pass && !summary.LLMSkipped && len(summary.LLM.CodeIssues) > 0
}

// IsNonActionableLLMFailure reports whether the LLM failed in a way no worker
// can fix: no code issues, and either zero confidence or a reason matching the
// fixed keyword list. Mutually exclusive with HasActionableLLMFailures.
func IsNonActionableLLMFailure(summary *EvaluationSummary) bool {
	if summary.LLM.Pass || summary.LLMSkipped || len(summary.LLM.CodeIssues) > 0 {
		return false
	}
	if summary.LLM.Confidence <= 0 {
		return true
	}
	for _, reason := range summary.LLM.Reasons {
		lower := strings.ToLower(reason)
		for _, kw := range nonActionableKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// IsDoomLoop reports whether the LLM flagged a doom loop and the task has
// burned through the retry threshold.
func IsDoomLoop(summary *EvaluationSummary, retryCount, threshold int) bool {
	if retryCount < threshold {
		return false
	}
	for _, reason := range summary.LLM.Reasons {
		if strings.Contains(reason, doomLoopMarker) {
			return true
		}
	}
	return false
}
