package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a task. A missing ID is generated.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskQueued
	}
	if t.Role == "" {
		t.Role = RoleWorker
	}
	if t.Kind == "" {
		t.Kind = KindCode
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "low"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, goal, role, status, block_reason, risk_level,
			priority, allowed_paths, denied_commands, commands, depends_on,
			retry_count, timebox_minutes, kind, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Goal, t.Role, string(t.Status), string(t.BlockReason), t.RiskLevel,
		t.Priority, marshalStrings(t.AllowedPaths), marshalStrings(t.DeniedCommands),
		marshalStrings(t.Commands), marshalStrings(t.DependsOn),
		t.RetryCount, t.TimeboxMinutes, t.Kind, marshalJSON(t.Context), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, goal, role, status, block_reason, risk_level,
	priority, allowed_paths, denied_commands, commands, depends_on,
	retry_count, timebox_minutes, kind, context, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status, blockReason, allowed, denied, commands, depends, contextBlob string
	err := row.Scan(&t.ID, &t.Title, &t.Goal, &t.Role, &status, &blockReason, &t.RiskLevel,
		&t.Priority, &allowed, &denied, &commands, &depends,
		&t.RetryCount, &t.TimeboxMinutes, &t.Kind, &contextBlob, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.BlockReason = BlockReason(blockReason)
	t.AllowedPaths = unmarshalStrings(allowed)
	t.DeniedCommands = unmarshalStrings(denied)
	t.Commands = unmarshalStrings(commands)
	t.DependsOn = unmarshalStrings(depends)
	if contextBlob != "" {
		// Invalid blobs are tolerated; the typed view stays zero-valued.
		_ = json.Unmarshal([]byte(contextBlob), &t.Context)
	}
	return &t, nil
}

// GetTask fetches a task by id. Returns (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// CompleteTask transitions a task to done unless it is already terminal.
// Returns true when the row changed.
func (s *Store) CompleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, block_reason = '', updated_at = ?
		WHERE id = ? AND status NOT IN ('done','failed')`,
		string(TaskDone), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailTask transitions a task to failed with the given reason recorded in the
// context blob.
func (s *Store) FailTask(ctx context.Context, id, reason string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	t.Context.PreviousFailureReason = reason

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, block_reason = '', context = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('done','failed')`,
		string(TaskFailed), marshalJSON(t.Context), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return nil
}

// RequeueTaskAfterJudge puts a task back to blocked/needs_rework after a
// request-changes verdict, strictly incrementing its retry count.
func (s *Store) RequeueTaskAfterJudge(ctx context.Context, id, reason string) error {
	return s.blockTask(ctx, id, BlockNeedsRework, reason)
}

// ScheduleTaskForJudgeRetry puts a task into blocked/awaiting_judge with an
// incremented retry count. When restoreRunImmediately is true the run is
// re-armed in the same transaction; otherwise backlog recovery re-arms it
// after the cooldown.
func (s *Store) ScheduleTaskForJudgeRetry(ctx context.Context, taskID, runID, reason string, restoreRunImmediately bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.blockTaskTx(ctx, tx, taskID, BlockAwaitingJudge, reason); err != nil {
		return err
	}
	if restoreRunImmediately && runID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET judged_at = NULL WHERE id = ?`, runID); err != nil {
			return fmt.Errorf("failed to re-arm run: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) blockTask(ctx context.Context, id string, reason BlockReason, retryReason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.blockTaskTx(ctx, tx, id, reason, retryReason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) blockTaskTx(ctx context.Context, tx *sql.Tx, id string, reason BlockReason, retryReason string) error {
	row := tx.QueryRowContext(ctx, `SELECT context FROM tasks WHERE id = ?`, id)
	var contextBlob string
	if err := row.Scan(&contextBlob); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s not found", id)
		}
		return fmt.Errorf("failed to read task context: %w", err)
	}

	var tc TaskContext
	_ = json.Unmarshal([]byte(contextBlob), &tc)
	tc.LatestRetryReason = retryReason

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, block_reason = ?, retry_count = retry_count + 1,
			context = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('done','failed')`,
		string(TaskBlocked), string(reason), marshalJSON(tc), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to block task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is terminal, cannot requeue", id)
	}
	return nil
}

// escapeLike quotes LIKE wildcards so a title prefix matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// FindActiveTaskByTitlePrefix returns a task whose title starts with the
// literal prefix and whose status is queued, running, or blocked. Returns
// (nil, nil) when none exists.
func (s *Store) FindActiveTaskByTitlePrefix(ctx context.Context, prefix string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE title LIKE ? ESCAPE '\' AND status IN ('queued','running','blocked')
		ORDER BY created_at DESC LIMIT 1`, escapeLike(prefix)+"%")
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active task: %w", err)
	}
	return t, nil
}

// CountTasksByTitlePrefix counts every task (any status) whose title starts
// with the literal prefix. Used for attempt-limit bookkeeping.
func (s *Store) CountTasksByTitlePrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE title LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// TasksAwaitingJudge lists tasks stuck in blocked/awaiting_judge whose last
// update is at or before cutoff.
func (s *Store) TasksAwaitingJudge(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'blocked' AND block_reason = 'awaiting_judge' AND updated_at <= ?
		ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query awaiting tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
