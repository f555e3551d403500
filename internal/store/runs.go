package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateRun inserts a run. A missing ID is generated.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, started_at, finished_at, error_message, judged_at, judgement_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, string(r.Status), r.StartedAt, r.FinishedAt, r.ErrorMessage, r.JudgedAt, r.JudgementVersion)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id. Returns (nil, nil) when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, started_at, finished_at, error_message, judged_at, judgement_version
		FROM runs WHERE id = ?`, id)

	var r Run
	var status string
	var finished, judged sql.NullTime
	err := row.Scan(&r.ID, &r.TaskID, &status, &r.StartedAt, &finished, &r.ErrorMessage, &judged, &r.JudgementVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	r.Status = RunStatus(status)
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	if judged.Valid {
		r.JudgedAt = &judged.Time
	}
	return &r, nil
}

// ClaimRun atomically claims a run for judgement. It succeeds for exactly one
// judge per eligibility window: the conditional update only matches a
// successful, not-yet-judged run. Returns true iff this caller won the claim.
func (s *Store) ClaimRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET judged_at = ?, judgement_version = judgement_version + 1
		WHERE id = ? AND status = 'success' AND judged_at IS NULL`,
		time.Now().UTC(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RearmRun clears judged_at so the run becomes eligible for judgement again.
func (s *Store) RearmRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET judged_at = NULL WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to re-arm run: %w", err)
	}
	return nil
}

// HasPendingJudgementRun reports whether the task has a successful run that
// has not been judged yet.
func (s *Store) HasPendingJudgementRun(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE task_id = ? AND status = 'success' AND judged_at IS NULL`, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count pending runs: %w", err)
	}
	return n > 0, nil
}

// LatestJudgeableRun returns the most recent successful run of the task that
// produced an artifact of one of the given types, or (nil, nil).
func (s *Store) LatestJudgeableRun(ctx context.Context, taskID string, artifactTypes []ArtifactType) (*Run, error) {
	if len(artifactTypes) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(artifactTypes)), ",")
	args := []any{taskID}
	for _, t := range artifactTypes {
		args = append(args, string(t))
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT r.id FROM runs r
		JOIN artifacts a ON a.run_id = r.id
		WHERE r.task_id = ? AND r.status = 'success' AND a.type IN (`+placeholders+`)
		ORDER BY r.started_at DESC LIMIT 1`, args...)

	var runID string
	err := row.Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find judgeable run: %w", err)
	}
	return s.GetRun(ctx, runID)
}
