package judge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/forge/github"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/vcs"
)

// Services is the dependency bundle a Judge runs on. There is no hidden
// module-level state; everything flows through this struct.
type Services struct {
	Config   *config.Config
	Store    *store.Store
	Forge    *github.Client
	Reviewer llm.Reviewer
	Policy   *policy.Policy
	Metrics  *metrics.Metrics

	// Git builds a VCS adapter for a repo path. Defaults to exec git; tests
	// inject a fake.
	Git func(repoPath string) GitOps

	Plugins []Plugin
}

// Judge is one judge process: it drains candidates, renders verdicts, and
// drives every candidate toward merged, remediated, or failed.
type Judge struct {
	cfg      *config.Config
	store    *store.Store
	forge    *github.Client
	reviewer llm.Reviewer
	pol      *policy.Policy
	metrics  *metrics.Metrics
	git      func(repoPath string) GitOps
	plugins  []Plugin
	log      *slog.Logger
}

// New wires a Judge from its services.
func New(svc Services) *Judge {
	m := svc.Metrics
	if m == nil {
		m = metrics.New()
	}
	git := svc.Git
	if git == nil {
		git = func(repoPath string) GitOps { return vcs.NewGit(repoPath) }
	}
	return &Judge{
		cfg:      svc.Config,
		store:    svc.Store,
		forge:    svc.Forge,
		reviewer: svc.Reviewer,
		pol:      svc.Policy,
		metrics:  m,
		git:      git,
		plugins:  svc.Plugins,
		log:      logging.WithComponent("judge").With("agent_id", svc.Config.AgentID),
	}
}

// Run starts the polling loop and blocks until ctx is cancelled. Shutdown is
// observed between candidates, never mid-candidate.
func (j *Judge) Run(ctx context.Context) error {
	if err := j.store.UpsertAgent(ctx, &store.Agent{
		ID: j.cfg.AgentID, Role: "judge", Status: store.AgentIdle,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	hb := j.startHeartbeat(ctx)
	defer hb.Stop()

	j.log.Info("judge started",
		"mode", string(j.cfg.Mode),
		"poll_interval", j.cfg.PollInterval,
		"use_llm", j.cfg.UseLLM,
		"dry_run", j.cfg.DryRun)

	for {
		j.tick(ctx)
		j.metrics.Ticks.Inc()

		select {
		case <-ctx.Done():
			j.log.Info("judge stopping")
			return nil
		case <-time.After(j.cfg.PollInterval):
		}
	}
}

// tick runs one polling iteration: recover backlog, drain the merge queue,
// drain pending PRs and worktrees, then plugin evaluators.
func (j *Judge) tick(ctx context.Context) {
	if n := j.recoverBacklog(ctx); n > 0 {
		j.log.Info("backlog recovered", "tasks", n)
	}

	if j.cfg.Mode != config.ModeLocal {
		j.drainMergeQueue(ctx)
		j.drainPendingPRs(ctx)
	}
	if j.cfg.Mode != config.ModeGit {
		j.drainPendingWorktrees(ctx)
	}
	j.drainPlugins(ctx)
	j.updateQueueGauges(ctx)
}

func (j *Judge) drainPendingPRs(ctx context.Context) {
	candidates, err := j.store.PendingPRs(ctx)
	if err != nil {
		j.log.Error("pending pr scan failed", "error", err)
		return
	}
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		j.processCandidate(ctx, cand, j.processPRCandidate)
	}
}

func (j *Judge) drainPendingWorktrees(ctx context.Context) {
	candidates, err := j.store.PendingWorktrees(ctx)
	if err != nil {
		j.log.Error("pending worktree scan failed", "error", err)
		return
	}
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		j.processCandidate(ctx, cand, j.processWorktreeCandidate)
	}
}

// processCandidate is the candidate boundary: claims the run, brackets the
// work with busy/idle, and converts a panic into a judge-retry so no single
// candidate can kill a tick.
func (j *Judge) processCandidate(ctx context.Context, cand *store.PendingCandidate, handle func(context.Context, *store.PendingCandidate) error) {
	if j.cfg.DryRun {
		j.dryRunCandidate(ctx, cand)
		return
	}

	claimed, err := j.store.ClaimRun(ctx, cand.RunID)
	if err != nil {
		j.log.Error("run claim failed", "run_id", cand.RunID, "error", err)
		return
	}
	if !claimed {
		// Another judge owns this run.
		return
	}

	j.setBusy(ctx, cand.TaskID)
	defer j.setIdle(ctx)

	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("judge_action_error:%v", r)
			j.log.Error("candidate processing panicked", "task_id", cand.TaskID, "panic", r)
			if err := j.scheduleJudgeRetry(ctx, cand.TaskID, cand.RunID, detail, false); err != nil {
				j.log.Error("failed to schedule retry after panic", "task_id", cand.TaskID, "error", err)
			}
		}
	}()

	if err := handle(ctx, cand); err != nil {
		detail := fmt.Sprintf("judge_action_error:%v", err)
		j.log.Error("candidate processing failed", "task_id", cand.TaskID, "error", err)
		if rerr := j.scheduleJudgeRetry(ctx, cand.TaskID, cand.RunID, detail, false); rerr != nil {
			j.log.Error("failed to schedule retry", "task_id", cand.TaskID, "error", rerr)
		}
	}
}

// dryRunCandidate evaluates and logs without claiming or mutating anything.
func (j *Judge) dryRunCandidate(ctx context.Context, cand *store.PendingCandidate) {
	var summary *EvaluationSummary
	var err error
	switch cand.ArtifactType {
	case store.ArtifactPR:
		summary, err = j.evaluatePR(ctx, cand)
	case store.ArtifactWorktree:
		repoPath := cand.BaseRepoPath
		if repoPath == "" {
			repoPath = j.cfg.LocalBaseRepoPath
		}
		summary, err = j.evaluateWorktree(ctx, j.git(repoPath), cand)
	default:
		return
	}
	if err != nil {
		j.log.Error("dry-run evaluation failed", "task_id", cand.TaskID, "error", err)
		return
	}
	result := Decide(summary, j.pol)
	j.log.Info("dry-run verdict",
		"task_id", cand.TaskID,
		"verdict", string(result.Verdict),
		"auto_merge", result.AutoMerge,
		"risk", string(result.RiskLevel),
		"confidence", result.Confidence)
}

func (j *Judge) processPRCandidate(ctx context.Context, cand *store.PendingCandidate) error {
	log := j.log.With("task_id", cand.TaskID, "pr", cand.PRNumber)

	summary, err := j.evaluatePR(ctx, cand)
	if err != nil {
		return err
	}
	result := Decide(summary, j.pol)
	j.metrics.Judgements.WithLabelValues(string(result.Verdict)).Inc()

	j.recordEvent(ctx, store.EventJudgeReview, "task", cand.TaskID, map[string]any{
		"prNumber":   cand.PRNumber,
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

	outcome, err := j.executePRActions(ctx, cand, result, summary)
	if err != nil {
		return err
	}
	return j.routePRVerdict(ctx, cand, result, summary, outcome)
}

// routePRVerdict drives the candidate to its next state from the verdict and
// the merge outcome.
func (j *Judge) routePRVerdict(ctx context.Context, cand *store.PendingCandidate, result *JudgeResult, summary *EvaluationSummary, outcome *ActionOutcome) error {
	if result.Verdict == VerdictApprove {
		switch {
		case outcome.Merged:
			if _, err := j.store.CompleteTask(ctx, cand.TaskID); err != nil {
				return err
			}
			j.maybeCreateDocserTask(ctx, cand.TaskID, summary.ChangedPaths, "")
			return nil

		case !result.AutoMerge:
			// Approval posted; merging is left to a human. Nothing further to
			// drive here.
			if _, err := j.store.CompleteTask(ctx, cand.TaskID); err != nil {
				return err
			}
			return nil

		case IsConflictSignal(outcome.MergeDeferredReason):
			return j.escalateConflict(ctx, j.remediationInputFor(cand, summary, outcome.MergeDeferredReason))

		default:
			return j.deferToMergeQueue(ctx, cand, outcome)
		}
	}
	return j.routeNonApprove(ctx, cand, result, summary)
}

// deferToMergeQueue enqueues an approved-but-unmerged PR and parks the source
// task in awaiting_judge. When the deferral requested a branch update, the run
// is not re-armed immediately; the cooldown lets the forge finish the sync.
func (j *Judge) deferToMergeQueue(ctx context.Context, cand *store.PendingCandidate, outcome *ActionOutcome) error {
	item := &store.MergeQueueItem{
		PRNumber:    cand.PRNumber,
		TaskID:      cand.TaskID,
		RunID:       cand.RunID,
		Priority:    cand.Priority,
		MaxAttempts: j.cfg.QueueMaxAttempts,
	}
	enq, err := j.store.Enqueue(ctx, item)
	if err != nil {
		return err
	}
	j.metrics.QueueTransitions.WithLabelValues("enqueued").Inc()
	j.recordEvent(ctx, store.EventMergeQueueEnqueued, "merge_queue", enq.ItemID, map[string]any{
		"prNumber": cand.PRNumber,
		"taskId":   cand.TaskID,
		"outcome":  enq.String(),
		"reason":   outcome.MergeDeferredReason,
	})

	restoreNow := outcome.MergeDeferredReason != "update_branch_requested"
	reason := "merge_deferred:" + outcome.MergeDeferredReason
	return j.scheduleJudgeRetry(ctx, cand.TaskID, cand.RunID, reason, restoreNow)
}

// routeNonApprove applies the escalation routing for a request-changes
// verdict: actionable failures go straight to AutoFix, non-actionable LLM
// failures cool down in awaiting_judge unless the doom-loop breaker fires.
func (j *Judge) routeNonApprove(ctx context.Context, cand *store.PendingCandidate, result *JudgeResult, summary *EvaluationSummary) error {
	log := j.log.With("task_id", cand.TaskID, "pr", cand.PRNumber)

	if IsNonActionableLLMFailure(summary) {
		if IsDoomLoop(summary, cand.RetryCount, j.cfg.DoomLoopRetries) {
			log.Warn("doom loop detected, escalating to autofix", "retry_count", cand.RetryCount)
			in := j.remediationInputFor(cand, summary, strings.Join(result.Reasons, "; "))
			in.Unlimited = true
			return j.runAutoFixRung(ctx, cand, in)
		}
		log.Info("non-actionable llm failure, scheduling judge retry",
			"reasons", strings.Join(result.Reasons, "; "))
		reason := "non_actionable_llm:" + strings.Join(result.Reasons, "; ")
		return j.scheduleJudgeRetry(ctx, cand.TaskID, cand.RunID, reason, false)
	}

	// Actionable failures: LLM code issues, or CI/policy failures where the
	// LLM was never consulted.
	if !j.cfg.AutoFixOnFail {
		if cand.RetryCount >= j.cfg.NonApproveRetries {
			log.Warn("non-approve breaker tripped, escalating to autofix", "retry_count", cand.RetryCount)
			return j.runAutoFixRung(ctx, cand, j.remediationInputFor(cand, summary, strings.Join(result.Reasons, "; ")))
		}
		return j.requeueForRework(ctx, cand.TaskID, strings.Join(result.Reasons, "; "))
	}
	return j.runAutoFixRung(ctx, cand, j.remediationInputFor(cand, summary, strings.Join(result.Reasons, "; ")))
}

// runAutoFixRung creates the plain AutoFix task and requeues or fails the
// source task depending on the rung outcome.
func (j *Judge) runAutoFixRung(ctx context.Context, cand *store.PendingCandidate, in remediationInput) error {
	out, err := j.createRemediation(ctx, remediationAutoFix, in)
	if err != nil {
		return err
	}
	if out.LimitReached {
		j.log.Warn("autofix exhausted", "task_id", cand.TaskID, "outcome", out.Detail)
		return j.store.FailTask(ctx, cand.TaskID, out.Detail)
	}
	return j.requeueForRework(ctx, cand.TaskID, in.LatestRetryReason)
}

func (j *Judge) remediationInputFor(cand *store.PendingCandidate, summary *EvaluationSummary, reason string) remediationInput {
	in := remediationInput{
		PRNumber:          cand.PRNumber,
		SourceTaskID:      cand.TaskID,
		SourceTitle:       cand.TaskTitle,
		SourceGoal:        cand.TaskGoal,
		AllowedPaths:      cand.AllowedPaths,
		Priority:          cand.Priority,
		LatestRetryReason: reason,
	}
	if summary != nil {
		if summary.PR != nil {
			in.BranchName = summary.PR.Head.Ref
		}
		for _, v := range summary.Policy.Violations {
			in.PolicyViolations = append(in.PolicyViolations, v.Message)
		}
		for _, issue := range summary.LLM.CodeIssues {
			in.LLMIssues = append(in.LLMIssues, fmt.Sprintf("[%s] %s", issue.Severity, issue.Message))
		}
	}
	return in
}

// ReviewOne judges a single PR outside the task pipeline and returns the
// verdict. Used by the CLI's single-PR mode.
func (j *Judge) ReviewOne(ctx context.Context, prNumber int) (*JudgeResult, error) {
	cand := &store.PendingCandidate{
		ArtifactType:  store.ArtifactPR,
		PRNumber:      prNumber,
		TaskRiskLevel: "low",
	}
	summary, err := j.evaluatePR(ctx, cand)
	if err != nil {
		return nil, err
	}
	return Decide(summary, j.pol), nil
}

// requeueForRework parks the task in blocked/needs_rework and records the
// requeue in the audit log.
func (j *Judge) requeueForRework(ctx context.Context, taskID, reason string) error {
	if err := j.store.RequeueTaskAfterJudge(ctx, taskID, reason); err != nil {
		return err
	}
	j.recordTaskRequeued(ctx, taskID, reason)
	return nil
}

// scheduleJudgeRetry parks the task in blocked/awaiting_judge and records the
// requeue in the audit log.
func (j *Judge) scheduleJudgeRetry(ctx context.Context, taskID, runID, reason string, restoreRunImmediately bool) error {
	if err := j.store.ScheduleTaskForJudgeRetry(ctx, taskID, runID, reason, restoreRunImmediately); err != nil {
		return err
	}
	j.recordTaskRequeued(ctx, taskID, reason)
	return nil
}

func (j *Judge) recordTaskRequeued(ctx context.Context, taskID, reason string) {
	retryCount := 0
	if t, err := j.store.GetTask(ctx, taskID); err == nil && t != nil {
		retryCount = t.RetryCount
	}
	j.recordEvent(ctx, store.EventTaskRequeued, "task", taskID, map[string]any{
		"reason":     reason,
		"retryCount": retryCount,
	})
}

func (j *Judge) recordEvent(ctx context.Context, eventType, entityType, entityID string, payload map[string]any) {
	err := j.store.RecordEvent(ctx, &store.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		AgentID:    j.cfg.AgentID,
		Payload:    payload,
	})
	if err != nil {
		j.log.Error("failed to record event", "type", eventType, "error", err)
	}
}

func (j *Judge) updateQueueGauges(ctx context.Context) {
	for _, status := range []store.QueueStatus{store.QueuePending, store.QueueProcessing, store.QueueFailed} {
		n, err := j.store.QueueDepth(ctx, status)
		if err != nil {
			continue
		}
		j.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
