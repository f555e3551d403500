package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOutcomeKind classifies what Enqueue did.
type EnqueueOutcomeKind string

const (
	Enqueued            EnqueueOutcomeKind = "enqueued"
	ExistingActiveQueue EnqueueOutcomeKind = "existing_active_queue"
	DuplicateSourceRun  EnqueueOutcomeKind = "duplicate_source_run"
)

// EnqueueOutcome is the result of an Enqueue call. For duplicate outcomes it
// carries the existing row's id and status so callers can mirror the queue
// state into the source task.
type EnqueueOutcome struct {
	Kind   EnqueueOutcomeKind
	ItemID string
	Status QueueStatus
}

// String renders the outcome in its audit form, e.g.
// "existing_active_queue:<id>".
func (o EnqueueOutcome) String() string {
	if o.Kind == Enqueued {
		return string(Enqueued)
	}
	return fmt.Sprintf("%s:%s", o.Kind, o.ItemID)
}

// Enqueue inserts a merge queue item, relying on the unique indexes to reject
// duplicates: at most one active row per PR number and one row per
// (task, run) pair. On a unique violation it re-reads and reports which rule
// matched.
func (s *Store) Enqueue(ctx context.Context, item *MergeQueueItem) (*EnqueueOutcome, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = QueuePending
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pr_merge_queue (id, pr_number, task_id, run_id, status, priority,
			attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.PRNumber, item.TaskID, item.RunID, string(item.Status), item.Priority,
		item.AttemptCount, item.MaxAttempts, item.NextAttemptAt, item.LastError, now, now)
	if err == nil {
		return &EnqueueOutcome{Kind: Enqueued, ItemID: item.ID, Status: item.Status}, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	// Unique violation: map to the rule that rejected us.
	if existing, err := s.activeQueueItemByPR(ctx, item.PRNumber); err != nil {
		return nil, err
	} else if existing != nil {
		return &EnqueueOutcome{Kind: ExistingActiveQueue, ItemID: existing.ID, Status: existing.Status}, nil
	}
	if existing, err := s.queueItemBySource(ctx, item.TaskID, item.RunID); err != nil {
		return nil, err
	} else if existing != nil {
		return &EnqueueOutcome{Kind: DuplicateSourceRun, ItemID: existing.ID, Status: existing.Status}, nil
	}
	// The conflicting row vanished between insert and re-read; let the caller retry.
	return nil, fmt.Errorf("enqueue conflict disappeared, retry")
}

const queueColumns = `id, pr_number, task_id, run_id, status, priority, attempt_count,
	max_attempts, next_attempt_at, last_error, claim_owner, claim_token, claim_expires_at,
	created_at, updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*MergeQueueItem, error) {
	var m MergeQueueItem
	var status string
	var owner, token sql.NullString
	var expires sql.NullTime
	err := row.Scan(&m.ID, &m.PRNumber, &m.TaskID, &m.RunID, &status, &m.Priority, &m.AttemptCount,
		&m.MaxAttempts, &m.NextAttemptAt, &m.LastError, &owner, &token, &expires,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = QueueStatus(status)
	m.ClaimOwner = owner.String
	m.ClaimToken = token.String
	if expires.Valid {
		m.ClaimExpiresAt = &expires.Time
	}
	return &m, nil
}

// GetQueueItem fetches a merge queue item by id. Returns (nil, nil) when absent.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*MergeQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM pr_merge_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

func (s *Store) activeQueueItemByPR(ctx context.Context, prNumber int) (*MergeQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM pr_merge_queue
		WHERE pr_number = ? AND status IN ('pending','processing') LIMIT 1`, prNumber)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active queue row: %w", err)
	}
	return item, nil
}

func (s *Store) queueItemBySource(ctx context.Context, taskID, runID string) (*MergeQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM pr_merge_queue
		WHERE task_id = ? AND run_id = ? LIMIT 1`, taskID, runID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue row by source: %w", err)
	}
	return item, nil
}

// RecoverExpiredClaims flips processing rows whose claim lease has expired
// back to pending, clearing the claim and pushing next_attempt_at out by
// retryDelay. Returns the recovered items for audit logging.
func (s *Store) RecoverExpiredClaims(ctx context.Context, now time.Time, retryDelay time.Duration) ([]*MergeQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM pr_merge_queue
		WHERE status = 'processing' AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired claims: %w", err)
	}
	var expired []*MergeQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []*MergeQueueItem
	for _, item := range expired {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pr_merge_queue
			SET status = 'pending', claim_owner = NULL, claim_token = NULL,
				claim_expires_at = NULL, next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing' AND claim_token = ?`,
			now.Add(retryDelay), now, item.ID, item.ClaimToken)
		if err != nil {
			return nil, fmt.Errorf("failed to recover claim: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			recovered = append(recovered, item)
		}
	}
	return recovered, nil
}

// claimBatchRetries bounds contention retries when several judges drain at once.
const claimBatchRetries = 5

// ClaimBatch claims up to limit pending rows for owner, ordered by
// (priority desc, next_attempt_at asc, created_at asc). Each claim is a
// conditional update with a fresh token and a lease of ttl; rows lost to a
// concurrent judge are skipped and the scan retries up to claimBatchRetries
// times. The attempt counter increments at claim time.
func (s *Store) ClaimBatch(ctx context.Context, owner string, limit int, ttl time.Duration) ([]*MergeQueueItem, error) {
	now := time.Now().UTC()
	var claimed []*MergeQueueItem

	for attempt := 0; attempt < claimBatchRetries && len(claimed) < limit; attempt++ {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM pr_merge_queue
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY priority DESC, next_attempt_at ASC, created_at ASC
			LIMIT ?`, now, limit-len(claimed))
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending queue: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			token := uuid.NewString()
			res, err := s.db.ExecContext(ctx, `
				UPDATE pr_merge_queue
				SET status = 'processing', claim_owner = ?, claim_token = ?,
					claim_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
				WHERE id = ? AND status = 'pending'`,
				owner, token, now.Add(ttl), now, id)
			if err != nil {
				return nil, fmt.Errorf("failed to claim queue item: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue // lost to another judge
			}
			item, err := s.GetQueueItem(ctx, id)
			if err != nil {
				return nil, err
			}
			if item != nil {
				claimed = append(claimed, item)
			}
			if len(claimed) >= limit {
				break
			}
		}
	}
	return claimed, nil
}

// ExtendClaim renews the lease of a claimed row. Returns false when the claim
// was lost (finalized or recovered by another judge).
func (s *Store) ExtendClaim(ctx context.Context, id, owner, token string, newExpiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pr_merge_queue SET claim_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_owner = ? AND claim_token = ?`,
		newExpiry, time.Now().UTC(), id, owner, token)
	if err != nil {
		return false, fmt.Errorf("failed to extend claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinalizeMerged marks a claimed row merged. Conditional on the caller still
// holding the claim; returns false when the claim was lost.
func (s *Store) FinalizeMerged(ctx context.Context, id, owner, token string) (bool, error) {
	return s.finalize(ctx, id, owner, token, `
		UPDATE pr_merge_queue
		SET status = 'merged', claim_owner = NULL, claim_token = NULL,
			claim_expires_at = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_owner = ? AND claim_token = ?`)
}

// FinalizeRetry puts a claimed row back to pending for a later attempt.
func (s *Store) FinalizeRetry(ctx context.Context, id, owner, token string, nextAttemptAt time.Time, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pr_merge_queue
		SET status = 'pending', claim_owner = NULL, claim_token = NULL,
			claim_expires_at = NULL, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_owner = ? AND claim_token = ?`,
		nextAttemptAt, lastError, time.Now().UTC(), id, owner, token)
	if err != nil {
		return false, fmt.Errorf("failed to finalize retry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinalizeFailed marks a claimed row failed after attempt exhaustion.
func (s *Store) FinalizeFailed(ctx context.Context, id, owner, token, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pr_merge_queue
		SET status = 'failed', claim_owner = NULL, claim_token = NULL,
			claim_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_owner = ? AND claim_token = ?`,
		lastError, time.Now().UTC(), id, owner, token)
	if err != nil {
		return false, fmt.Errorf("failed to finalize failure: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) finalize(ctx context.Context, id, owner, token, query string) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id, owner, token)
	if err != nil {
		return false, fmt.Errorf("failed to finalize queue item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// QueueDepth counts rows in the given status.
func (s *Store) QueueDepth(ctx context.Context, status QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pr_merge_queue WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}
