package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/store"
)

// remediationKind selects a rung of the auto-remediation ladder.
type remediationKind int

const (
	remediationAutoFix remediationKind = iota
	remediationConflict
	remediationRecreate
)

func (k remediationKind) titlePrefix(prNumber int) string {
	switch k {
	case remediationConflict:
		return fmt.Sprintf("[AutoFix-Conflict] PR #%d", prNumber)
	case remediationRecreate:
		return fmt.Sprintf("[Mainline-Recreate] PR #%d", prNumber)
	default:
		return fmt.Sprintf("[AutoFix] PR #%d", prNumber)
	}
}

func (k remediationKind) name() string {
	switch k {
	case remediationConflict:
		return "conflict_autofix"
	case remediationRecreate:
		return "mainline_recreate"
	default:
		return "autofix"
	}
}

func (k remediationKind) event() string {
	switch k {
	case remediationConflict:
		return store.EventConflictAutoFixCreated
	case remediationRecreate:
		return store.EventMainlineRecreateCreated
	default:
		return store.EventAutoFixCreated
	}
}

// priorityBump ranks the ladder rungs so later rungs schedule first.
func (k remediationKind) priorityBump() int {
	switch k {
	case remediationConflict:
		return 2
	case remediationRecreate:
		return 3
	default:
		return 1
	}
}

// remediationOutcome reports what createRemediation did.
type remediationOutcome struct {
	// Created is true iff a new task was inserted.
	Created bool
	// LimitReached is true when the attempt budget is exhausted.
	LimitReached bool
	// TaskID is the new or already-active task's id.
	TaskID string
	// Attempt is the 1-based attempt number of a created task.
	Attempt int
	// Detail is the audit form: "existing_active_<kind>:<id>" or
	// "<kind>_attempt_limit_reached:<count>/<max>".
	Detail string
}

// remediationInput carries everything the ladder needs from the failed
// candidate.
type remediationInput struct {
	PRNumber     int
	SourceTaskID string
	SourceTitle  string
	SourceGoal   string
	BranchName   string
	AllowedPaths []string
	Priority     int

	PolicyViolations      []string
	LLMIssues             []string
	PreviousFailureReason string
	LatestRetryReason     string
	LatestAutoFixFailure  string

	// Unlimited overrides the attempt cap (doom-loop escalation).
	Unlimited bool
}

const remediationTimeboxMinutes = 60

// createRemediation walks one rung of the ladder: probe for an active task
// with the same title prefix, enforce the attempt budget, then insert.
func (j *Judge) createRemediation(ctx context.Context, kind remediationKind, in remediationInput) (*remediationOutcome, error) {
	prefix := kind.titlePrefix(in.PRNumber)
	// Titles are "<prefix> (attempt ...)". Probing with the paren keeps
	// PR #7 from matching PR #70's history.
	probe := prefix + " ("

	active, err := j.store.FindActiveTaskByTitlePrefix(ctx, probe)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &remediationOutcome{
			TaskID: active.ID,
			Detail: fmt.Sprintf("existing_active_%s:%s", kind.name(), active.ID),
		}, nil
	}

	count, err := j.store.CountTasksByTitlePrefix(ctx, probe)
	if err != nil {
		return nil, err
	}
	maxAttempts := j.cfg.AutoFixMaxAttempts
	unlimited := in.Unlimited || j.cfg.UnlimitedAutoFix()
	if !unlimited && count >= maxAttempts {
		return &remediationOutcome{
			LimitReached: true,
			Detail:       fmt.Sprintf("%s_attempt_limit_reached:%d/%d", kind.name(), count, maxAttempts),
		}, nil
	}

	attempt := count + 1
	title := fmt.Sprintf("%s (attempt %d)", prefix, attempt)
	if !unlimited {
		title = fmt.Sprintf("%s (attempt %d/%d)", prefix, attempt, maxAttempts)
	}

	// Conflict-resolution rungs merge the base into the branch, which touches
	// files outside the original scope; their path budget is widened.
	allowed := in.AllowedPaths
	if kind == remediationConflict || kind == remediationRecreate {
		allowed = []string{"**"}
	}

	task := &store.Task{
		Title:          title,
		Goal:           remediationGoal(kind, in),
		Role:           store.RoleWorker,
		Kind:           store.KindCode,
		RiskLevel:      "medium",
		Priority:       in.Priority + kind.priorityBump(),
		AllowedPaths:   allowed,
		DependsOn:      []string{in.SourceTaskID},
		TimeboxMinutes: remediationTimeboxMinutes,
		Context: store.TaskContext{
			PRNumber:              in.PRNumber,
			BranchName:            in.BranchName,
			SourceTaskID:          in.SourceTaskID,
			PolicyViolations:      in.PolicyViolations,
			LLMIssues:             in.LLMIssues,
			PreviousFailureReason: in.PreviousFailureReason,
			LatestRetryReason:     in.LatestRetryReason,
			LatestAutoFixFailure:  in.LatestAutoFixFailure,
		},
	}
	if err := j.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	j.metrics.AutoFixTasks.WithLabelValues(kind.name()).Inc()
	j.recordEvent(ctx, kind.event(), "task", in.SourceTaskID, map[string]any{
		"prNumber":   in.PRNumber,
		"taskId":     task.ID,
		"attempt":    attempt,
		"kind":       kind.name(),
		"sourceTask": in.SourceTaskID,
	})

	return &remediationOutcome{Created: true, TaskID: task.ID, Attempt: attempt, Detail: "created:" + task.ID}, nil
}

func remediationGoal(kind remediationKind, in remediationInput) string {
	var b strings.Builder
	switch kind {
	case remediationConflict:
		fmt.Fprintf(&b, "Resolve the merge conflict on PR #%d (branch %s) against the base branch, then push the resolved branch.",
			in.PRNumber, in.BranchName)
	case remediationRecreate:
		fmt.Fprintf(&b, "PR #%d could not be merged after repeated conflict resolution. Recreate its changes on a fresh branch from the current mainline and open a new PR.",
			in.PRNumber)
	default:
		fmt.Fprintf(&b, "Fix the review findings on PR #%d so it passes CI, policy, and code review, then push to branch %s.",
			in.PRNumber, in.BranchName)
	}
	if in.SourceGoal != "" {
		fmt.Fprintf(&b, "\n\nOriginal goal: %s", in.SourceGoal)
	}
	if len(in.PolicyViolations) > 0 {
		fmt.Fprintf(&b, "\n\nPolicy violations:\n- %s", strings.Join(in.PolicyViolations, "\n- "))
	}
	if len(in.LLMIssues) > 0 {
		fmt.Fprintf(&b, "\n\nReview findings:\n- %s", strings.Join(in.LLMIssues, "\n- "))
	}
	if in.PreviousFailureReason != "" {
		fmt.Fprintf(&b, "\n\nPrevious failure: %s", in.PreviousFailureReason)
	}
	return b.String()
}

// escalateConflict runs the Conflict-AutoFix rung and, on exhaustion, closes
// the PR, creates a Mainline-Recreate task, and fails the source task.
func (j *Judge) escalateConflict(ctx context.Context, in remediationInput) error {
	out, err := j.createRemediation(ctx, remediationConflict, in)
	if err != nil {
		return err
	}

	if !out.LimitReached {
		j.log.Info("conflict remediation routed", "pr", in.PRNumber, "outcome", out.Detail)
		return j.requeueForRework(ctx, in.SourceTaskID, out.Detail)
	}

	j.log.Warn("conflict remediation exhausted", "pr", in.PRNumber, "outcome", out.Detail)

	if err := j.forge.ClosePullRequest(ctx, j.cfg.RepoOwner, j.cfg.RepoName, in.PRNumber); err != nil {
		j.log.Error("failed to close conflicting pr", "pr", in.PRNumber, "error", err)
	}

	in.PreviousFailureReason = out.Detail
	if _, err := j.createRemediation(ctx, remediationRecreate, in); err != nil {
		return err
	}
	return j.store.FailTask(ctx, in.SourceTaskID, out.Detail)
}
