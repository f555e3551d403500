package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertAgent registers an agent or refreshes its row on restart.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.Status == "" {
		a.Status = AgentIdle
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, role, status, current_task_id, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role, status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_heartbeat = excluded.last_heartbeat, metadata = excluded.metadata`,
		a.ID, a.Role, string(a.Status), a.CurrentTaskID, now, marshalJSON(a.Metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	a.LastHeartbeat = now
	return nil
}

// Heartbeat bumps the agent's liveness timestamp. An agent marked offline by
// an operator comes back as idle on its next beat.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET last_heartbeat = ?,
			status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END
		WHERE id = ?`, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// SetAgentState updates the agent's status and current task pointer.
func (s *Store) SetAgentState(ctx context.Context, agentID string, status AgentStatus, currentTaskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat = ?
		WHERE id = ?`, string(status), currentTaskID, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to set agent state: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id. Returns (nil, nil) when absent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, role, status, current_task_id, last_heartbeat, metadata
		FROM agents WHERE id = ?`, agentID)

	var a Agent
	var status, metadata string
	err := row.Scan(&a.ID, &a.Role, &status, &a.CurrentTaskID, &a.LastHeartbeat, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	a.Status = AgentStatus(status)
	a.Metadata = unmarshalStringMap(metadata)
	return &a, nil
}
