package store

import (
	"context"
	"testing"
	"time"
)

func enqueueItem(t *testing.T, s *Store, prNumber int, taskID, runID string) (*MergeQueueItem, *EnqueueOutcome) {
	t.Helper()
	item := &MergeQueueItem{PRNumber: prNumber, TaskID: taskID, RunID: runID, MaxAttempts: 3}
	out, err := s.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item, out
}

func TestEnqueueDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, out := enqueueItem(t, s, 100, "t1", "r1")
	if out.Kind != Enqueued {
		t.Fatalf("first enqueue = %s, want enqueued", out.Kind)
	}

	// Same (task, run) pair.
	_, dup := enqueueItem(t, s, 100, "t1", "r1")
	if dup.Kind == Enqueued {
		t.Fatal("duplicate source run must not enqueue")
	}
	if dup.ItemID != first.ID {
		t.Fatalf("duplicate maps to %s, want %s", dup.ItemID, first.ID)
	}

	// Same PR, different run: blocked by the active-PR index.
	_, activeDup := enqueueItem(t, s, 100, "t1", "r2")
	if activeDup.Kind != ExistingActiveQueue {
		t.Fatalf("outcome = %s, want existing_active_queue", activeDup.Kind)
	}
	if activeDup.ItemID != first.ID {
		t.Fatalf("active dup maps to %s, want %s", activeDup.ItemID, first.ID)
	}
	if activeDup.String() != "existing_active_queue:"+first.ID {
		t.Fatalf("audit form = %s", activeDup.String())
	}

	if n, _ := s.QueueDepth(ctx, QueuePending); n != 1 {
		t.Fatalf("pending depth = %d, want 1", n)
	}
}

func TestEnqueueAllowsNewRowAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, out := enqueueItem(t, s, 100, "t1", "r1")
	if out.Kind != Enqueued {
		t.Fatalf("enqueue = %s", out.Kind)
	}

	claimed, err := s.ClaimBatch(ctx, "judge-a", 3, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if ok, _ := s.FinalizeFailed(ctx, claimed[0].ID, "judge-a", claimed[0].ClaimToken, "exhausted"); !ok {
		t.Fatal("finalize failed lost")
	}

	// The PR can re-enter the queue once no active row exists.
	_, again := enqueueItem(t, s, 100, "t2", "r2")
	if again.Kind != Enqueued {
		t.Fatalf("re-enqueue = %s, want enqueued", again.Kind)
	}
}

func TestClaimBatchOrderingAndAttemptIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low, _ := enqueueItem(t, s, 1, "t1", "r1")
	high := &MergeQueueItem{PRNumber: 2, TaskID: "t2", RunID: "r2", Priority: 5, MaxAttempts: 3}
	if _, err := s.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	claimed, err := s.ClaimBatch(ctx, "judge-a", 3, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].ID != high.ID || claimed[1].ID != low.ID {
		t.Fatal("priority must rank first")
	}
	for _, item := range claimed {
		if item.AttemptCount != 1 {
			t.Fatalf("attempt_count = %d after first claim, want 1", item.AttemptCount)
		}
		if item.Status != QueueProcessing || item.ClaimOwner != "judge-a" || item.ClaimToken == "" {
			t.Fatalf("claim fields not set: %+v", item)
		}
	}

	// The batch is exclusive: a second judge sees nothing.
	other, err := s.ClaimBatch(ctx, "judge-b", 3, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("second judge claimed %d rows", len(other))
	}
}

func TestClaimBatchSkipsFutureAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &MergeQueueItem{
		PRNumber: 9, TaskID: "t9", RunID: "r9", MaxAttempts: 3,
		NextAttemptAt: time.Now().UTC().Add(time.Hour),
	}
	if _, err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(ctx, "judge-a", 3, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("rows scheduled in the future must not be claimed")
	}
}

func TestFinalizeRequiresClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueItem(t, s, 100, "t1", "r1")

	claimed, _ := s.ClaimBatch(ctx, "judge-a", 1, time.Minute)
	if len(claimed) != 1 {
		t.Fatal("claim failed")
	}
	item := claimed[0]

	// Wrong token: finalize must lose.
	if ok, _ := s.FinalizeMerged(ctx, item.ID, "judge-a", "stolen-token"); ok {
		t.Fatal("finalize with wrong token must fail")
	}
	if ok, _ := s.FinalizeMerged(ctx, item.ID, "judge-b", item.ClaimToken); ok {
		t.Fatal("finalize with wrong owner must fail")
	}

	if ok, _ := s.FinalizeMerged(ctx, item.ID, "judge-a", item.ClaimToken); !ok {
		t.Fatal("rightful finalize must win")
	}
	// Idempotence: a second finalize finds no processing row.
	if ok, _ := s.FinalizeMerged(ctx, item.ID, "judge-a", item.ClaimToken); ok {
		t.Fatal("double finalize must fail")
	}

	got, _ := s.GetQueueItem(ctx, item.ID)
	if got.Status != QueueMerged || got.ClaimToken != "" {
		t.Fatalf("row = %s/%q, want merged with cleared claim", got.Status, got.ClaimToken)
	}
}

func TestFinalizeRetryReschedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueItem(t, s, 100, "t1", "r1")

	claimed, _ := s.ClaimBatch(ctx, "judge-a", 1, time.Minute)
	item := claimed[0]

	next := time.Now().UTC().Add(30 * time.Second)
	if ok, _ := s.FinalizeRetry(ctx, item.ID, "judge-a", item.ClaimToken, next, "merge failed"); !ok {
		t.Fatal("retry finalize lost")
	}

	got, _ := s.GetQueueItem(ctx, item.ID)
	if got.Status != QueuePending || got.LastError != "merge failed" {
		t.Fatalf("row = %s/%q", got.Status, got.LastError)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", got.AttemptCount)
	}

	// Second claim increments the attempt again.
	_, _ = s.db.Exec(`UPDATE pr_merge_queue SET next_attempt_at = ? WHERE id = ?`, time.Now().UTC().Add(-time.Second), item.ID)
	reclaimed, _ := s.ClaimBatch(ctx, "judge-a", 1, time.Minute)
	if len(reclaimed) != 1 || reclaimed[0].AttemptCount != 2 {
		t.Fatalf("reclaim attempt = %d, want 2", reclaimed[0].AttemptCount)
	}
}

func TestRecoverExpiredClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueItem(t, s, 100, "t1", "r1")

	claimed, _ := s.ClaimBatch(ctx, "judge-a", 1, time.Millisecond)
	if len(claimed) != 1 {
		t.Fatal("claim failed")
	}
	item := claimed[0]

	// Not yet expired: nothing recovered.
	early, err := s.RecoverExpiredClaims(ctx, time.Now().UTC().Add(-time.Minute), 30*time.Second)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(early) != 0 {
		t.Fatal("unexpired claims must not be recovered")
	}

	recovered, err := s.RecoverExpiredClaims(ctx, time.Now().UTC().Add(time.Minute), 30*time.Second)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != item.ID {
		t.Fatalf("recovered %d rows", len(recovered))
	}

	got, _ := s.GetQueueItem(ctx, item.ID)
	if got.Status != QueuePending || got.ClaimOwner != "" || got.ClaimExpiresAt != nil {
		t.Fatalf("row not cleanly recovered: %+v", got)
	}

	// The old claim token can no longer finalize.
	if ok, _ := s.FinalizeMerged(ctx, item.ID, "judge-a", item.ClaimToken); ok {
		t.Fatal("stale token finalized after recovery")
	}
}

func TestExtendClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueItem(t, s, 100, "t1", "r1")

	claimed, _ := s.ClaimBatch(ctx, "judge-a", 1, time.Minute)
	item := claimed[0]

	newExpiry := time.Now().UTC().Add(2 * time.Minute)
	ok, err := s.ExtendClaim(ctx, item.ID, "judge-a", item.ClaimToken, newExpiry)
	if err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}

	if ok, _ := s.ExtendClaim(ctx, item.ID, "judge-b", item.ClaimToken, newExpiry); ok {
		t.Fatal("extending someone else's claim must fail")
	}
}
