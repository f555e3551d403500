package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/vcs"
)

// recoveryReviewTimeout bounds the LLM restore decision.
const recoveryReviewTimeout = 300 * time.Second

// mergeOutcome is the local merge driver's answer.
type mergeOutcome struct {
	Success bool
	Detail  string
}

func (j *Judge) processWorktreeCandidate(ctx context.Context, cand *store.PendingCandidate) error {
	log := j.log.With("task_id", cand.TaskID, "worktree", cand.WorktreePath)

	repoPath := cand.BaseRepoPath
	if repoPath == "" {
		repoPath = j.cfg.LocalBaseRepoPath
	}
	if repoPath == "" {
		return fmt.Errorf("no base repo path for worktree candidate")
	}
	git := j.git(repoPath)

	summary, err := j.evaluateWorktree(ctx, git, cand)
	if err != nil {
		return err
	}
	result := Decide(summary, j.pol)
	j.metrics.Judgements.WithLabelValues(string(result.Verdict)).Inc()

	j.recordEvent(ctx, store.EventJudgeReview, "task", cand.TaskID, map[string]any{
		"worktree":   cand.WorktreePath,
		"branch":     cand.BranchName,
		"runId":      cand.RunID,
		"verdict":    string(result.Verdict),
		"autoMerge":  result.AutoMerge,
		"riskLevel":  string(result.RiskLevel),
		"confidence": result.Confidence,
	})
	log.Info("verdict rendered",
		"verdict", string(result.Verdict),
		"auto_merge", result.AutoMerge,
		"risk", string(result.RiskLevel))

	if result.Verdict == VerdictApprove {
		if !result.AutoMerge {
			_, err := j.store.CompleteTask(ctx, cand.TaskID)
			return err
		}
		outcome := j.mergeWorktree(ctx, git, cand)
		if !outcome.Success {
			log.Warn("local merge failed", "detail", outcome.Detail)
			return j.requeueForRework(ctx, cand.TaskID, "local_merge_failed: "+outcome.Detail)
		}
		if _, err := j.store.CompleteTask(ctx, cand.TaskID); err != nil {
			return err
		}
		j.maybeCreateDocserTask(ctx, cand.TaskID, summary.ChangedPaths, repoPath)
		return nil
	}

	if IsNonActionableLLMFailure(summary) {
		reason := "non_actionable_llm:" + strings.Join(result.Reasons, "; ")
		return j.scheduleJudgeRetry(ctx, cand.TaskID, cand.RunID, reason, false)
	}
	return j.requeueForRework(ctx, cand.TaskID, strings.Join(result.Reasons, "; "))
}

// mergeWorktree drives the base repository through the local merge sequence:
// abort a stale merge, recover a dirty base, then fast-forward or merge the
// feature branch.
func (j *Judge) mergeWorktree(ctx context.Context, git GitOps, cand *store.PendingCandidate) mergeOutcome {
	base := cand.BaseBranch
	if base == "" {
		base = j.cfg.LocalBaseBranch
	}

	inProgress, err := git.IsMergeInProgress(ctx)
	if err != nil {
		return mergeOutcome{Detail: fmt.Sprintf("merge-in-progress check failed: %v", err)}
	}
	if inProgress {
		if res := git.AbortMerge(ctx); !res.Success {
			return mergeOutcome{Detail: "failed to abort stale merge: " + res.Stderr}
		}
	}

	dirty, err := git.GetChangedFiles(ctx)
	if err != nil {
		return mergeOutcome{Detail: fmt.Sprintf("dirty check failed: %v", err)}
	}
	if len(dirty) > 0 {
		if err := j.recoverDirtyBase(ctx, git, cand, dirty); err != nil {
			return mergeOutcome{Detail: "dirty base recovery failed: " + err.Error()}
		}
	}

	if res := git.CheckoutBranch(ctx, base); !res.Success {
		return mergeOutcome{Detail: "checkout failed: " + res.Stderr}
	}

	if res := git.MergeBranch(ctx, cand.BranchName, vcs.MergeOptions{FFOnly: true}); res.Success {
		return mergeOutcome{Success: true}
	}
	res := git.MergeBranch(ctx, cand.BranchName, vcs.MergeOptions{NoEdit: true})
	if res.Success {
		return mergeOutcome{Success: true}
	}
	if abort := git.AbortMerge(ctx); !abort.Success {
		j.log.Error("merge abort failed after merge failure", "stderr", abort.Stderr)
	}
	return mergeOutcome{Detail: res.Stderr}
}

// recoverDirtyBase implements the dirty-base recovery ladder: capture the
// diff as an artifact, stash, and (in llm mode) let the model decide whether
// the stashed work comes back.
func (j *Judge) recoverDirtyBase(ctx context.Context, git GitOps, cand *store.PendingCandidate, dirty []string) error {
	if j.cfg.LocalRecovery == config.RecoveryNone {
		return fmt.Errorf("base repository has %d uncommitted files and recovery is disabled", len(dirty))
	}

	diff := git.GetWorkingTreeDiff(ctx)
	if !diff.Success {
		return fmt.Errorf("failed to capture base diff: %s", diff.Stderr)
	}
	diffText := diff.Stdout
	truncated := false
	if len(diffText) > j.cfg.LocalRecoveryDiffLimit {
		diffText = diffText[:j.cfg.LocalRecoveryDiffLimit]
		truncated = true
	}
	if err := j.store.SaveArtifact(ctx, &store.Artifact{
		RunID: cand.RunID,
		Type:  store.ArtifactBaseRepoDiff,
		Ref:   git.RepoPath(),
		Metadata: store.ArtifactMetadata{
			BaseRepoPath: git.RepoPath(),
			Truncated:    truncated,
		},
	}); err != nil {
		return fmt.Errorf("failed to persist base diff artifact: %w", err)
	}

	stashMsg := fmt.Sprintf("arbiter dirty-base %s", time.Now().UTC().Format(time.RFC3339))
	if res := git.StashChanges(ctx, stashMsg); !res.Success {
		return fmt.Errorf("stash failed: %s", res.Stderr)
	}
	stashRef, err := git.GetLatestStashRef(ctx)
	if err != nil {
		return err
	}
	j.recordEvent(ctx, store.EventBaseRepoStashed, "task", cand.TaskID, map[string]any{
		"stashRef":   stashRef,
		"dirtyFiles": len(dirty),
		"truncated":  truncated,
	})

	if j.cfg.LocalRecovery == config.RecoveryLLM {
		if err := j.decideStashRestore(ctx, git, cand, stashRef, diffText); err != nil {
			return err
		}
	}

	// The base must be clean now, whatever the mode decided.
	dirty, err = git.GetChangedFiles(ctx)
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		if res := git.CleanUntracked(ctx); !res.Success {
			return fmt.Errorf("clean failed: %s", res.Stderr)
		}
		dirty, err = git.GetChangedFiles(ctx)
		if err != nil {
			return err
		}
		if len(dirty) > 0 {
			return fmt.Errorf("base repository still dirty after recovery (%d files)", len(dirty))
		}
	}
	return nil
}

// decideStashRestore asks the LLM whether the stashed base changes should be
// restored and committed. Restoration requires a pass above the configured
// confidence floor with severities within the policy's recovery rules.
func (j *Judge) decideStashRestore(ctx context.Context, git GitOps, cand *store.PendingCandidate, stashRef, diffText string) error {
	review := j.stashReview(ctx, diffText)

	restore := review.Pass && review.Confidence >= j.cfg.LocalRecoveryConfidence
	if j.pol.Recovery.RequireNoErrors && review.HasErrorIssues() {
		restore = false
	}
	if j.pol.Recovery.RequireNoWarnings && review.HasWarningIssues() {
		restore = false
	}

	j.recordEvent(ctx, store.EventBaseRepoRecoveryDecision, "task", cand.TaskID, map[string]any{
		"restore":    restore,
		"confidence": review.Confidence,
		"reasons":    review.Reasons,
		"stashRef":   stashRef,
	})
	if !restore {
		j.log.Info("stashed base changes left stashed", "stash_ref", stashRef,
			"confidence", review.Confidence)
		return nil
	}

	if res := git.ApplyStash(ctx, stashRef); !res.Success {
		j.resetBase(ctx, git)
		return fmt.Errorf("stash apply failed: %s", res.Stderr)
	}
	if res := git.StageAll(ctx); !res.Success {
		j.resetBase(ctx, git)
		return fmt.Errorf("stage failed: %s", res.Stderr)
	}
	if res := git.CommitChanges(ctx, "Restore base repository changes approved during dirty-base recovery"); !res.Success {
		j.resetBase(ctx, git)
		return fmt.Errorf("commit failed: %s", res.Stderr)
	}
	if res := git.DropStash(ctx, stashRef); !res.Success {
		j.log.Warn("failed to drop restored stash", "stash_ref", stashRef, "stderr", res.Stderr)
	}
	return nil
}

func (j *Judge) stashReview(ctx context.Context, diffText string) llm.Result {
	if !j.cfg.UseLLM {
		return llm.Result{Pass: false, Confidence: 0, Reasons: []string{"llm review disabled"}}
	}
	result, err := j.reviewer.Review(ctx, llm.Request{
		Prompt: "The base repository had uncommitted changes that were stashed before a merge. " +
			"Decide whether this stashed diff is intentional work that should be restored and committed, " +
			"or leftover state that should stay stashed. Pass means restore.",
		Diff:    diffText,
		Timeout: recoveryReviewTimeout,
	})
	if err != nil {
		return llm.Result{Pass: false, Confidence: 0,
			Reasons: []string{fmt.Sprintf("llm review failed: %v", err)}}
	}
	return *result
}

// resetBase hard-resets the base branch and removes untracked files after a
// failed restore step.
func (j *Judge) resetBase(ctx context.Context, git GitOps) {
	if res := git.ResetHard(ctx, "HEAD"); !res.Success {
		j.log.Error("base reset failed", "stderr", res.Stderr)
	}
	if res := git.CleanUntracked(ctx); !res.Success {
		j.log.Error("base clean failed", "stderr", res.Stderr)
	}
}
