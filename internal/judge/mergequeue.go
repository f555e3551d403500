package judge

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/store"
)

// queueBatchLimit bounds how many queue rows one judge claims per tick.
const queueBatchLimit = 3

// drainMergeQueue runs one queue pass: sweep expired claims, claim a batch,
// and attempt each merge under a lease-renewal heartbeat.
func (j *Judge) drainMergeQueue(ctx context.Context) {
	now := time.Now().UTC()

	recovered, err := j.store.RecoverExpiredClaims(ctx, now, j.cfg.QueueRetryDelay)
	if err != nil {
		j.log.Error("expired claim sweep failed", "error", err)
		return
	}
	for _, item := range recovered {
		j.metrics.Recoveries.WithLabelValues("merge_queue_claim").Inc()
		j.recordEvent(ctx, store.EventMergeQueueClaimRecovered, "merge_queue", item.ID, map[string]any{
			"prNumber":  item.PRNumber,
			"lostOwner": item.ClaimOwner,
			"attempt":   item.AttemptCount,
		})
		j.log.Warn("recovered expired merge queue claim",
			"pr", item.PRNumber, "lost_owner", item.ClaimOwner)
	}

	items, err := j.store.ClaimBatch(ctx, j.cfg.AgentID, queueBatchLimit, j.cfg.QueueClaimTTL)
	if err != nil {
		j.log.Error("merge queue claim failed", "error", err)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		j.processQueueItem(ctx, item)
	}
}

// processQueueItem attempts the merge for one claimed row. The claim lease is
// renewed by a heartbeat goroutine that stops when the row is finalized.
func (j *Judge) processQueueItem(ctx context.Context, item *store.MergeQueueItem) {
	log := j.log.With("pr", item.PRNumber, "queue_id", item.ID, "attempt", item.AttemptCount)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go j.renewLease(hbCtx, item)

	outcome := j.attemptMerge(ctx, item.PRNumber)

	switch {
	case outcome.Merged:
		ok, err := j.store.FinalizeMerged(ctx, item.ID, j.cfg.AgentID, item.ClaimToken)
		if err != nil || !ok {
			log.Warn("lost merge queue claim before finalize", "error", err)
			return
		}
		j.metrics.QueueTransitions.WithLabelValues("merged").Inc()
		j.recordEvent(ctx, store.EventMergeQueueMerged, "merge_queue", item.ID, map[string]any{
			"prNumber":     item.PRNumber,
			"taskId":       item.TaskID,
			"attemptCount": item.AttemptCount,
		})
		if _, err := j.store.CompleteTask(ctx, item.TaskID); err != nil {
			log.Error("failed to complete task after queue merge", "error", err)
		}
		j.queueDocserTrigger(ctx, item)
		log.Info("merge queue item merged")

	case item.AttemptCount < item.MaxAttempts:
		reason := outcome.MergeDeferredReason
		next := time.Now().UTC().Add(j.cfg.QueueRetryDelay)
		ok, err := j.store.FinalizeRetry(ctx, item.ID, j.cfg.AgentID, item.ClaimToken, next, reason)
		if err != nil || !ok {
			log.Warn("lost merge queue claim before retry finalize", "error", err)
			return
		}
		j.metrics.QueueTransitions.WithLabelValues("retried").Inc()
		j.recordEvent(ctx, store.EventMergeQueueRetried, "merge_queue", item.ID, map[string]any{
			"prNumber":     item.PRNumber,
			"attemptCount": item.AttemptCount,
			"nextAttempt":  next,
			"reason":       reason,
		})
		log.Info("merge queue item scheduled for retry", "reason", reason)

	default:
		reason := outcome.MergeDeferredReason
		ok, err := j.store.FinalizeFailed(ctx, item.ID, j.cfg.AgentID, item.ClaimToken, reason)
		if err != nil || !ok {
			log.Warn("lost merge queue claim before failure finalize", "error", err)
			return
		}
		j.metrics.QueueTransitions.WithLabelValues("failed").Inc()
		j.recordEvent(ctx, store.EventMergeQueueFailed, "merge_queue", item.ID, map[string]any{
			"prNumber":     item.PRNumber,
			"attemptCount": item.AttemptCount,
			"reason":       reason,
		})
		log.Warn("merge queue item exhausted", "reason", reason)
		j.escalateQueueExhaustion(ctx, item, reason)
	}
}

// renewLease extends the claim at max(5s, ttl/2) until cancelled. Losing the
// lease stops renewal; the row belongs to the expired-claim sweep then.
func (j *Judge) renewLease(ctx context.Context, item *store.MergeQueueItem) {
	interval := j.cfg.QueueClaimTTL / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry := time.Now().UTC().Add(j.cfg.QueueClaimTTL)
			ok, err := j.store.ExtendClaim(ctx, item.ID, j.cfg.AgentID, item.ClaimToken, expiry)
			if err != nil {
				j.log.Error("lease renewal failed", "queue_id", item.ID, "error", err)
				return
			}
			if !ok {
				j.log.Warn("lease lost during merge", "queue_id", item.ID)
				return
			}
		}
	}
}

// escalateQueueExhaustion routes an exhausted queue row into the conflict
// remediation ladder.
func (j *Judge) escalateQueueExhaustion(ctx context.Context, item *store.MergeQueueItem, reason string) {
	task, err := j.store.GetTask(ctx, item.TaskID)
	if err != nil || task == nil {
		j.log.Error("failed to load task for queue escalation", "task_id", item.TaskID, "error", err)
		return
	}
	in := remediationInput{
		PRNumber:              item.PRNumber,
		SourceTaskID:          task.ID,
		SourceTitle:           task.Title,
		SourceGoal:            task.Goal,
		BranchName:            task.Context.BranchName,
		AllowedPaths:          task.AllowedPaths,
		Priority:              task.Priority,
		PreviousFailureReason: reason,
		LatestRetryReason:     fmt.Sprintf("merge_queue_exhausted:%s", reason),
	}
	if err := j.escalateConflict(ctx, in); err != nil {
		j.log.Error("queue exhaustion escalation failed", "task_id", task.ID, "error", err)
	}
}

// queueDocserTrigger fires the documentation follow-up for a queue merge.
func (j *Judge) queueDocserTrigger(ctx context.Context, item *store.MergeQueueItem) {
	changed, err := j.forge.ListChangedFiles(ctx, j.cfg.RepoOwner, j.cfg.RepoName, item.PRNumber)
	if err != nil {
		j.log.Warn("failed to list changed files for docser trigger", "pr", item.PRNumber, "error", err)
	}
	paths := make([]string, 0, len(changed))
	for _, f := range changed {
		paths = append(paths, f.Filename)
	}
	j.maybeCreateDocserTask(ctx, item.TaskID, paths, "")
}
