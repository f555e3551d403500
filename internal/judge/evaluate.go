package judge

import (
	"context"
	"fmt"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store"
)

// evaluatePR composes CI, policy, and LLM results for a PR candidate.
func (j *Judge) evaluatePR(ctx context.Context, cand *store.PendingCandidate) (*EvaluationSummary, error) {
	pr, err := j.forge.GetPullRequest(ctx, j.cfg.RepoOwner, j.cfg.RepoName, cand.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch pr #%d: %w", cand.PRNumber, err)
	}

	changed, err := j.forge.ListChangedFiles(ctx, j.cfg.RepoOwner, j.cfg.RepoName, cand.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("list changed files for pr #%d: %w", cand.PRNumber, err)
	}

	summary := &EvaluationSummary{PR: pr}
	for _, f := range changed {
		summary.Files = append(summary.Files, policy.ChangedFile{
			Path: f.Filename, Additions: f.Additions, Deletions: f.Deletions,
		})
		summary.ChangedPaths = append(summary.ChangedPaths, f.Filename)
	}

	summary.CI = j.ciResult(ctx, pr.Head.SHA)
	summary.Policy = j.pol.Evaluate(summary.Files, cand.AllowedPaths, cand.DeniedCommands, cand.Commands)
	summary.Risk = policy.MaxRisk(policy.RiskLevel(cand.TaskRiskLevel), j.pol.DiffRisk(summary.Files))

	if !summary.CI.Pass || !summary.Policy.Pass {
		summary.LLMSkipped = true
		summary.LLMSkipReason = "ci or policy failed; llm review skipped"
		return summary, nil
	}

	// Mergeability precheck: do not burn an LLM review on a branch the forge
	// already reports as broken.
	if pr.Mergeable != nil && !*pr.Mergeable {
		summary.LLM = llm.Result{
			Pass:       false,
			Confidence: 0,
			Reasons: []string{fmt.Sprintf(
				"mergeability_precheck_failed: mergeable_state=%s", pr.MergeableState)},
		}
		return summary, nil
	}

	summary.LLM = j.llmReview(ctx, cand.TaskGoal, func() (string, error) {
		return j.forge.GetPullRequestDiff(ctx, j.cfg.RepoOwner, j.cfg.RepoName, cand.PRNumber)
	})
	return summary, nil
}

// evaluateWorktree composes the evaluation for a local worktree candidate.
// CI always passes; it runs outside the local loop.
func (j *Judge) evaluateWorktree(ctx context.Context, git GitOps, cand *store.PendingCandidate) (*EvaluationSummary, error) {
	base := cand.BaseBranch
	if base == "" {
		base = j.cfg.LocalBaseBranch
	}

	entries, err := git.GetDiffStat(ctx, base, cand.BranchName)
	if err != nil {
		return nil, fmt.Errorf("diff stat %s...%s: %w", base, cand.BranchName, err)
	}

	summary := &EvaluationSummary{
		CI: CIResult{Pass: true, Status: "skipped", Details: []string{"local mode: CI runs upstream"}},
	}
	for _, e := range entries {
		summary.Files = append(summary.Files, policy.ChangedFile{
			Path: e.Path, Additions: e.Additions, Deletions: e.Deletions,
		})
		summary.ChangedPaths = append(summary.ChangedPaths, e.Path)
	}

	summary.Policy = j.pol.Evaluate(summary.Files, cand.AllowedPaths, cand.DeniedCommands, cand.Commands)
	summary.Risk = policy.MaxRisk(policy.RiskLevel(cand.TaskRiskLevel), j.pol.DiffRisk(summary.Files))

	if !summary.Policy.Pass {
		summary.LLMSkipped = true
		summary.LLMSkipReason = "policy failed; llm review skipped"
		return summary, nil
	}

	summary.LLM = j.llmReview(ctx, cand.TaskGoal, func() (string, error) {
		res := git.GetBranchDiff(ctx, base, cand.BranchName)
		if !res.Success {
			return "", fmt.Errorf("git diff failed: %s", res.Stderr)
		}
		return res.Stdout, nil
	})
	return summary, nil
}

// llmReview runs the LLM review over a lazily fetched diff, mapping every
// failure mode into a synthetic result the classifier understands.
func (j *Judge) llmReview(ctx context.Context, goal string, fetchDiff func() (string, error)) llm.Result {
	if !j.cfg.UseLLM {
		return llm.Result{Pass: true, Confidence: 1.0, Reasons: []string{"llm review disabled"}}
	}

	diff, err := fetchDiff()
	if err != nil {
		j.metrics.LLMCalls.WithLabelValues("diff_error").Inc()
		return llm.Result{Pass: false, Confidence: 0,
			Reasons: []string{fmt.Sprintf("llm review failed: %v", err)}}
	}

	result, err := j.reviewer.Review(ctx, llm.Request{
		Prompt: "Review this change for correctness, safety, and fit to the task goal.",
		Goal:   goal,
		Diff:   diff,
	})
	if err != nil {
		j.metrics.LLMCalls.WithLabelValues("error").Inc()
		return llm.Result{Pass: false, Confidence: 0,
			Reasons: []string{fmt.Sprintf("llm review failed: %v", err)}}
	}

	if result.Pass {
		j.metrics.LLMCalls.WithLabelValues("pass").Inc()
	} else {
		j.metrics.LLMCalls.WithLabelValues("fail").Inc()
	}
	return *result
}

// ciResult reads the combined commit status and check runs for a SHA and
// folds them into one pass/fail signal. A repo with no CI configured passes.
func (j *Judge) ciResult(ctx context.Context, sha string) CIResult {
	res := CIResult{Pass: true, Status: "success"}

	combined, err := j.forge.GetCombinedStatus(ctx, j.cfg.RepoOwner, j.cfg.RepoName, sha)
	if err != nil {
		return CIResult{Pass: false, Status: "unknown",
			Reasons: []string{fmt.Sprintf("failed to read commit status: %v", err)}}
	}

	switch combined.State {
	case "failure", "error":
		res.Pass = false
		res.Status = combined.State
		for _, s := range combined.Statuses {
			if s.State == "failure" || s.State == "error" {
				res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %s", s.Context, s.Description))
				res.Details = append(res.Details, s.TargetURL)
			}
		}
	case "pending":
		if len(combined.Statuses) > 0 {
			res.Pass = false
			res.Status = "pending"
			res.Reasons = append(res.Reasons, "CI checks still running")
		}
	}

	checks, err := j.forge.ListCheckRuns(ctx, j.cfg.RepoOwner, j.cfg.RepoName, sha)
	if err != nil {
		res.Pass = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("failed to list check runs: %v", err))
		return res
	}
	for _, run := range checks.CheckRuns {
		switch run.Conclusion {
		case "failure", "timed_out", "cancelled":
			res.Pass = false
			res.Status = "failure"
			res.Reasons = append(res.Reasons, fmt.Sprintf("check %s: %s", run.Name, run.Conclusion))
			res.Details = append(res.Details, run.HTMLURL)
		}
		if run.Status != "completed" {
			res.Pass = false
			if res.Status == "success" {
				res.Status = "pending"
			}
			res.Reasons = append(res.Reasons, fmt.Sprintf("check %s still %s", run.Name, run.Status))
		}
	}
	return res
}
