package judge

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/store"
)

// judgeableArtifactTypes returns the artifact types a run must carry to be
// re-armed by backlog recovery: the built-in kinds plus whatever the
// registered plugins declare.
func (j *Judge) judgeableArtifactTypes() []store.ArtifactType {
	types := []store.ArtifactType{store.ArtifactPR, store.ArtifactWorktree}
	for _, p := range j.plugins {
		types = append(types, p.ArtifactTypes()...)
	}
	return types
}

// recoverBacklog re-arms runs for tasks stuck in awaiting_judge past the
// cooldown. This breaks the deadlock left by a judge that crashed between
// claiming a run and updating the task. Returns the number recovered.
func (j *Judge) recoverBacklog(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.cfg.AwaitingRetryCooldown)
	tasks, err := j.store.TasksAwaitingJudge(ctx, cutoff)
	if err != nil {
		j.log.Error("backlog scan failed", "error", err)
		return 0
	}

	recovered := 0
	for _, task := range tasks {
		pending, err := j.store.HasPendingJudgementRun(ctx, task.ID)
		if err != nil {
			j.log.Error("pending run check failed", "task_id", task.ID, "error", err)
			continue
		}
		if pending {
			// The next pending scan will pick it up.
			continue
		}

		run, err := j.store.LatestJudgeableRun(ctx, task.ID, j.judgeableArtifactTypes())
		if err != nil {
			j.log.Error("judgeable run lookup failed", "task_id", task.ID, "error", err)
			continue
		}
		if run == nil {
			continue
		}

		if err := j.store.RearmRun(ctx, run.ID); err != nil {
			j.log.Error("run re-arm failed", "run_id", run.ID, "error", err)
			continue
		}
		j.metrics.Recoveries.WithLabelValues("backlog").Inc()
		j.recordEvent(ctx, store.EventTaskRecovered, "task", task.ID, map[string]any{
			"runId":      run.ID,
			"retryCount": task.RetryCount,
		})
		j.log.Info("re-armed stuck run", "task_id", task.ID, "run_id", run.ID)
		recovered++
	}
	return recovered
}
