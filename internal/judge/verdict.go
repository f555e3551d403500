package judge

import "github.com/arbiterhq/arbiter/internal/policy"

// Decide renders a verdict from an evaluation summary. The function is pure:
// fixed inputs produce identical output, with no I/O.
//
// Rules are evaluated in order; the first match wins:
//  1. CI fails: request changes with full confidence.
//  2. Policy fails: request changes with full confidence.
//  3. LLM fails: approve under the policy-gated informational bypass, else
//     request changes carrying the LLM confidence through.
//  4. Approve; auto-merge follows the policy toggle.
func Decide(summary *EvaluationSummary, pol *policy.Policy) *JudgeResult {
	res := &JudgeResult{RiskLevel: summary.Risk}

	switch {
	case !summary.CI.Pass:
		res.Verdict = VerdictRequestChanges
		res.Confidence = 1.0
		res.Reasons = append(res.Reasons, summary.CI.Reasons...)
		res.Suggestions = append(res.Suggestions, summary.CI.Suggestions...)

	case !summary.Policy.Pass:
		res.Verdict = VerdictRequestChanges
		res.Confidence = 1.0
		res.Reasons = append(res.Reasons, summary.Policy.Reasons...)
		res.Suggestions = append(res.Suggestions, summary.Policy.Suggestions...)

	case !summary.LLM.Pass:
		res.Confidence = summary.LLM.Confidence
		res.Reasons = append(res.Reasons, summary.LLM.Reasons...)
		res.Suggestions = append(res.Suggestions, summary.LLM.Suggestions...)

		bypass := pol.AutoMerge.Enabled && pol.AutoMerge.AllowLLMBypass &&
			!summary.LLM.HasErrorIssues()
		if bypass {
			res.Verdict = VerdictApprove
			res.AutoMerge = true
			res.Suggestions = append(res.Suggestions,
				"LLM findings are informational; merged under the policy bypass")
		} else {
			res.Verdict = VerdictRequestChanges
		}

	default:
		res.Verdict = VerdictApprove
		res.AutoMerge = pol.AutoMerge.Enabled
		res.Confidence = summary.LLM.Confidence
		if res.Confidence == 0 {
			// LLM disabled or never consulted; CI and policy carry the verdict.
			res.Confidence = 1.0
		}
		res.Reasons = append(res.Reasons, summary.LLM.Reasons...)
		res.Suggestions = append(res.Suggestions, summary.LLM.Suggestions...)
	}

	return res
}
