// Package judge is the Arbiter control plane: the polling loop, the
// run-claim protocol, the verdict state machine, the auto-remediation ladder,
// the merge queue drain, and backlog recovery.
package judge

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/forge/github"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/vcs"
)

// Verdict is the judge's decision on a candidate.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// CIResult summarizes the forge's CI signal for a candidate. Worktree
// candidates always pass; CI runs outside the local loop.
type CIResult struct {
	Pass        bool
	Status      string
	Reasons     []string
	Suggestions []string
	Details     []string
}

// EvaluationSummary composes the three evaluator results for one candidate.
type EvaluationSummary struct {
	CI     CIResult
	Policy policy.Result

	// LLM holds the review result, a synthetic pass when the LLM is disabled,
	// or a synthetic failure when the call or a precheck failed. LLMSkipped is
	// set when CI or policy already failed and the LLM was never consulted.
	LLM           llm.Result
	LLMSkipped    bool
	LLMSkipReason string

	// Risk is max(task-declared risk, diff-computed risk).
	Risk policy.RiskLevel

	Files        []policy.ChangedFile
	ChangedPaths []string

	// PR is set for forge candidates; nil for worktrees.
	PR *github.PullRequest
}

// JudgeResult is the verdict engine output.
type JudgeResult struct {
	Verdict     Verdict          `json:"verdict"`
	Reasons     []string         `json:"reasons"`
	Suggestions []string         `json:"suggestions"`
	AutoMerge   bool             `json:"autoMerge"`
	RiskLevel   policy.RiskLevel `json:"riskLevel"`
	Confidence  float64          `json:"confidence"`
}

// ActionOutcome is the interpreted result of the post-verdict forge actions.
type ActionOutcome struct {
	Merged              bool
	MergeDeferred       bool
	MergeDeferredReason string
}

// GitOps is the local VCS capability the merge driver needs. *vcs.Git
// satisfies it; tests substitute a fake.
type GitOps interface {
	RepoPath() string
	GetChangedFiles(ctx context.Context) ([]string, error)
	GetUntrackedFiles(ctx context.Context) ([]string, error)
	GetWorkingTreeDiff(ctx context.Context) vcs.CmdResult
	GetDiffStat(ctx context.Context, base, head string) ([]vcs.DiffEntry, error)
	GetBranchDiff(ctx context.Context, base, head string) vcs.CmdResult
	StashChanges(ctx context.Context, msg string) vcs.CmdResult
	GetLatestStashRef(ctx context.Context) (string, error)
	ApplyStash(ctx context.Context, ref string) vcs.CmdResult
	DropStash(ctx context.Context, ref string) vcs.CmdResult
	StageAll(ctx context.Context) vcs.CmdResult
	CommitChanges(ctx context.Context, msg string) vcs.CmdResult
	IsMergeInProgress(ctx context.Context) (bool, error)
	AbortMerge(ctx context.Context) vcs.CmdResult
	CheckoutBranch(ctx context.Context, name string) vcs.CmdResult
	ResetHard(ctx context.Context, ref string) vcs.CmdResult
	CleanUntracked(ctx context.Context) vcs.CmdResult
	MergeBranch(ctx context.Context, name string, opts vcs.MergeOptions) vcs.CmdResult
}
