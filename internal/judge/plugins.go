package judge

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/store"
)

// Target is one plugin-supplied candidate. The orchestrator only needs the
// claim identity and the evaluate/apply pair; everything else stays opaque to
// the core.
type Target interface {
	TaskID() string
	RunID() string
	Evaluate(ctx context.Context) (*JudgeResult, error)
	ApplyVerdict(ctx context.Context, result *JudgeResult) error
}

// Plugin supplies auxiliary candidate kinds (research runs, report jobs) that
// the core drains alongside PRs and worktrees.
type Plugin interface {
	Name() string
	// ArtifactTypes declares which artifact types mark a run as judgeable by
	// this plugin; backlog recovery re-arms them too.
	ArtifactTypes() []store.ArtifactType
	CollectPendingTargets(ctx context.Context, st *store.Store) ([]Target, error)
}

// drainPlugins evaluates every registered plugin's pending targets under the
// same claim protocol and candidate boundary as the built-in kinds.
func (j *Judge) drainPlugins(ctx context.Context) {
	for _, p := range j.plugins {
		targets, err := p.CollectPendingTargets(ctx, j.store)
		if err != nil {
			j.log.Error("plugin scan failed", "plugin", p.Name(), "error", err)
			continue
		}
		for _, target := range targets {
			if ctx.Err() != nil {
				return
			}
			j.processPluginTarget(ctx, p, target)
		}
	}
}

func (j *Judge) processPluginTarget(ctx context.Context, p Plugin, target Target) {
	if j.cfg.DryRun {
		return
	}

	claimed, err := j.store.ClaimRun(ctx, target.RunID())
	if err != nil || !claimed {
		return
	}

	j.setBusy(ctx, target.TaskID())
	defer j.setIdle(ctx)

	result, err := target.Evaluate(ctx)
	if err != nil {
		j.log.Error("plugin evaluation failed", "plugin", p.Name(), "task_id", target.TaskID(), "error", err)
		detail := "judge_action_error:" + err.Error()
		if rerr := j.scheduleJudgeRetry(ctx, target.TaskID(), target.RunID(), detail, false); rerr != nil {
			j.log.Error("failed to schedule plugin retry", "task_id", target.TaskID(), "error", rerr)
		}
		return
	}

	j.metrics.Judgements.WithLabelValues(string(result.Verdict)).Inc()
	j.recordEvent(ctx, store.EventJudgeReview, "task", target.TaskID(), map[string]any{
		"plugin":     p.Name(),
		"runId":      target.RunID(),
		"verdict":    string(result.Verdict),
		"confidence": result.Confidence,
	})

	if err := target.ApplyVerdict(ctx, result); err != nil {
		j.log.Error("plugin verdict application failed", "plugin", p.Name(), "task_id", target.TaskID(), "error", err)
	}
}
