package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/forge/github"
	"github.com/arbiterhq/arbiter/internal/store"
)

// executePRActions posts the review and, on approve with auto-merge, attempts
// the merge. Self-authored PRs get a comment instead of a review because the
// forge rejects self-approval.
func (j *Judge) executePRActions(ctx context.Context, cand *store.PendingCandidate, result *JudgeResult, summary *EvaluationSummary) (*ActionOutcome, error) {
	body := composeReviewBody(result, summary)

	selfAuthored := j.isSelfAuthored(ctx, summary.PR)
	if selfAuthored {
		if _, err := j.forge.AddPRComment(ctx, j.cfg.RepoOwner, j.cfg.RepoName, cand.PRNumber, body); err != nil {
			return nil, fmt.Errorf("post comment on pr #%d: %w", cand.PRNumber, err)
		}
	} else {
		event := github.ReviewEventApprove
		if result.Verdict == VerdictRequestChanges {
			event = github.ReviewEventRequestChanges
		}
		if _, err := j.forge.CreateReview(ctx, j.cfg.RepoOwner, j.cfg.RepoName, cand.PRNumber, event, body); err != nil {
			return nil, fmt.Errorf("post review on pr #%d: %w", cand.PRNumber, err)
		}
	}

	if result.Verdict == VerdictApprove && result.AutoMerge {
		return j.attemptMerge(ctx, cand.PRNumber), nil
	}
	return &ActionOutcome{}, nil
}

// attemptMerge tries the merge and interprets the forge's answer:
// success, already-in-progress, merged-by-refetch, or a branch-update
// fallback whose failure text carries the conflict signal.
func (j *Judge) attemptMerge(ctx context.Context, prNumber int) *ActionOutcome {
	res, err := j.forge.MergePullRequest(ctx, j.cfg.RepoOwner, j.cfg.RepoName, prNumber, github.MergeMethodSquash)
	if err == nil && res.Merged {
		return &ActionOutcome{Merged: true}
	}

	if github.IsAlreadyInProgress(err) {
		return &ActionOutcome{MergeDeferred: true, MergeDeferredReason: "merge_already_in_progress"}
	}

	// The merge call can fail after the forge committed it. Re-fetch before
	// concluding anything.
	if pr, ferr := j.forge.GetPullRequest(ctx, j.cfg.RepoOwner, j.cfg.RepoName, prNumber); ferr == nil && pr.Merged {
		return &ActionOutcome{Merged: true}
	}

	if uerr := j.forge.UpdateBranch(ctx, j.cfg.RepoOwner, j.cfg.RepoName, prNumber); uerr == nil {
		return &ActionOutcome{MergeDeferred: true, MergeDeferredReason: "update_branch_requested"}
	} else {
		detail := uerr.Error()
		if err != nil {
			detail = fmt.Sprintf("%s (merge: %v)", detail, err)
		}
		return &ActionOutcome{MergeDeferred: false, MergeDeferredReason: "update_branch_failed:" + detail}
	}
}

// isSelfAuthored reports whether the PR author is the identity this judge
// authenticates as. Probe failures are treated as not-self; the review call
// will surface any real auth problem.
func (j *Judge) isSelfAuthored(ctx context.Context, pr *github.PullRequest) bool {
	if pr == nil {
		return false
	}
	me, err := j.forge.GetAuthenticatedUser(ctx)
	if err != nil {
		j.log.Warn("self-authorship probe failed", "error", err)
		return false
	}
	return me.Login != "" && me.Login == pr.User.Login
}

// composeReviewBody renders the verdict as a markdown review comment.
func composeReviewBody(result *JudgeResult, summary *EvaluationSummary) string {
	var b strings.Builder

	if result.Verdict == VerdictApprove {
		b.WriteString("## Arbiter review: approved\n\n")
	} else {
		b.WriteString("## Arbiter review: changes requested\n\n")
	}
	fmt.Fprintf(&b, "Risk: %s | Confidence: %.2f\n", result.RiskLevel, result.Confidence)

	if len(result.Reasons) > 0 {
		b.WriteString("\n### Reasons\n")
		for _, r := range result.Reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(result.Suggestions) > 0 {
		b.WriteString("\n### Suggestions\n")
		for _, s := range result.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(summary.LLM.CodeIssues) > 0 {
		b.WriteString("\n### Findings\n")
		for _, issue := range summary.LLM.CodeIssues {
			loc := ""
			if issue.File != "" {
				loc = fmt.Sprintf(" (%s:%d)", issue.File, issue.Line)
			}
			fmt.Fprintf(&b, "- **%s** [%s]%s: %s\n", issue.Severity, issue.Category, loc, issue.Message)
		}
	}
	if len(summary.Policy.Violations) > 0 {
		b.WriteString("\n### Policy violations\n")
		for _, v := range summary.Policy.Violations {
			fmt.Fprintf(&b, "- **%s** [%s]: %s\n", v.Severity, v.Type, v.Message)
		}
	}
	return b.String()
}
