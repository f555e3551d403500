package judge

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/arbiterhq/arbiter/internal/store"
)

// startHeartbeat schedules the 30-second liveness writer. The beat bumps
// last_heartbeat and flips offline back to idle, never touching busy.
func (j *Judge) startHeartbeat(ctx context.Context) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@every 30s", func() {
		if err := j.store.Heartbeat(ctx, j.cfg.AgentID); err != nil {
			j.log.Error("heartbeat failed", "error", err)
		}
	})
	if err != nil {
		j.log.Error("failed to schedule heartbeat", "error", err)
	}
	c.Start()
	return c
}

// setBusy and setIdle bracket candidate processing. They log failures and
// never propagate; agent state is advisory, the store claims are load-bearing.
func (j *Judge) setBusy(ctx context.Context, taskID string) {
	if err := j.store.SetAgentState(ctx, j.cfg.AgentID, store.AgentBusy, taskID); err != nil {
		j.log.Error("failed to mark agent busy", "error", err)
	}
}

func (j *Judge) setIdle(ctx context.Context) {
	if err := j.store.SetAgentState(ctx, j.cfg.AgentID, store.AgentIdle, ""); err != nil {
		j.log.Error("failed to mark agent idle", "error", err)
	}
}
