package judge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store"
)

func remediationInputForPR(pr int, sourceTaskID string) remediationInput {
	return remediationInput{
		PRNumber:     pr,
		SourceTaskID: sourceTaskID,
		SourceGoal:   "ship the widget",
		BranchName:   "feature/widget",
		AllowedPaths: []string{"src/**"},
	}
}

func TestCreateRemediationAttemptLimit(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(42), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)
	in := remediationInputForPR(42, source.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		out, err := j.createRemediation(ctx, remediationAutoFix, in)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if !out.Created || out.Attempt != attempt {
			t.Fatalf("attempt %d: outcome %+v", attempt, out)
		}
		task, _ := st.GetTask(ctx, out.TaskID)
		want := fmt.Sprintf("[AutoFix] PR #42 (attempt %d/3)", attempt)
		if task.Title != want {
			t.Fatalf("title = %q, want %q", task.Title, want)
		}
		// Complete it so the next rung is not blocked by the active probe.
		if _, err := st.CompleteTask(ctx, out.TaskID); err != nil {
			t.Fatal(err)
		}
	}

	out, err := j.createRemediation(ctx, remediationAutoFix, in)
	if err != nil {
		t.Fatalf("fourth attempt: %v", err)
	}
	if !out.LimitReached {
		t.Fatalf("fourth attempt should hit the limit, got %+v", out)
	}
	if out.Detail != "autofix_attempt_limit_reached:3/3" {
		t.Fatalf("detail = %q", out.Detail)
	}
}

func TestCreateRemediationReusesActiveTask(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(42), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)
	in := remediationInputForPR(42, source.ID)

	first, err := j.createRemediation(ctx, remediationAutoFix, in)
	if err != nil || !first.Created {
		t.Fatalf("first: %+v %v", first, err)
	}

	// The first task is still queued; a second call must not stack another.
	second, err := j.createRemediation(ctx, remediationAutoFix, in)
	if err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Fatal("second call created a duplicate remediation task")
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("second maps to %s, want %s", second.TaskID, first.TaskID)
	}
	if !strings.HasPrefix(second.Detail, "existing_active_autofix:") {
		t.Fatalf("detail = %q", second.Detail)
	}
}

func TestCreateRemediationUnlimitedSkipsCap(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(42), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)
	in := remediationInputForPR(42, source.ID)
	in.Unlimited = true

	for attempt := 1; attempt <= 5; attempt++ {
		out, err := j.createRemediation(ctx, remediationAutoFix, in)
		if err != nil || !out.Created {
			t.Fatalf("attempt %d: %+v %v", attempt, out, err)
		}
		task, _ := st.GetTask(ctx, out.TaskID)
		want := fmt.Sprintf("[AutoFix] PR #42 (attempt %d)", attempt)
		if task.Title != want {
			t.Fatalf("title = %q, want %q", task.Title, want)
		}
		if _, err := st.CompleteTask(ctx, out.TaskID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConflictRemediationWidensPaths(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(42), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)
	in := remediationInputForPR(42, source.ID)

	out, err := j.createRemediation(ctx, remediationConflict, in)
	if err != nil || !out.Created {
		t.Fatalf("conflict rung: %+v %v", out, err)
	}
	task, _ := st.GetTask(ctx, out.TaskID)
	if len(task.AllowedPaths) != 1 || task.AllowedPaths[0] != "**" {
		t.Fatalf("conflict paths = %v, want widened", task.AllowedPaths)
	}
	if !strings.HasPrefix(task.Title, "[AutoFix-Conflict] PR #42") {
		t.Fatalf("title = %q", task.Title)
	}
	if task.Priority != in.Priority+2 {
		t.Fatalf("priority = %d, want source+2", task.Priority)
	}
	if n := len(eventsOfType(t, st, store.EventConflictAutoFixCreated)); n != 1 {
		t.Fatalf("conflict events = %d, want 1", n)
	}
}

func TestRemediationGoalComposition(t *testing.T) {
	in := remediationInput{
		PRNumber:              9,
		BranchName:            "feature/y",
		SourceGoal:            "add retries",
		PolicyViolations:      []string{"path outside scope: /etc/passwd"},
		LLMIssues:             []string{"[error] nil deref"},
		PreviousFailureReason: "conflict_autofix_attempt_limit_reached:3/3",
	}

	goal := remediationGoal(remediationRecreate, in)
	for _, want := range []string{
		"PR #9",
		"fresh branch",
		"add retries",
		"path outside scope",
		"nil deref",
		"conflict_autofix_attempt_limit_reached",
	} {
		if !strings.Contains(goal, want) {
			t.Errorf("recreate goal missing %q:\n%s", want, goal)
		}
	}

	conflictGoal := remediationGoal(remediationConflict, in)
	if !strings.Contains(conflictGoal, "feature/y") {
		t.Errorf("conflict goal missing branch name:\n%s", conflictGoal)
	}
}

func TestEscalateConflictRequeuesWhileBudgetRemains(t *testing.T) {
	ctx := context.Background()
	forge := newFakeForge(42)
	j, st := newTestJudge(t, forge, &stubReviewer{}, nil)

	source := &store.Task{Title: "widget", Status: store.TaskBlocked, BlockReason: store.BlockAwaitingJudge}
	if err := st.CreateTask(ctx, source); err != nil {
		t.Fatal(err)
	}
	in := remediationInputForPR(42, source.ID)

	if err := j.escalateConflict(ctx, in); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if forge.closed {
		t.Fatal("PR must stay open while conflict attempts remain")
	}
	got, _ := st.GetTask(ctx, source.ID)
	if got.Status != store.TaskBlocked || got.BlockReason != store.BlockNeedsRework {
		t.Fatalf("source = %s/%s, want blocked/needs_rework", got.Status, got.BlockReason)
	}
	if fix, _ := st.FindActiveTaskByTitlePrefix(ctx, "[AutoFix-Conflict] PR #42"); fix == nil {
		t.Fatal("conflict task not created")
	}
}

func TestRemediationHistoryIsolatedByPRNumber(t *testing.T) {
	ctx := context.Background()
	forge := newFakeForge(7)
	j, st := newTestJudge(t, forge, &stubReviewer{}, nil)

	// PR #70 has spent its whole conflict budget; PR #7 shares its decimal
	// prefix but has no history of its own.
	for i := 1; i <= 3; i++ {
		prior := &store.Task{
			Title:  fmt.Sprintf("[AutoFix-Conflict] PR #70 (attempt %d/3)", i),
			Status: store.TaskDone,
		}
		if err := st.CreateTask(ctx, prior); err != nil {
			t.Fatalf("seed prior: %v", err)
		}
	}

	source := &store.Task{Title: "widget", Status: store.TaskBlocked, BlockReason: store.BlockAwaitingJudge}
	if err := st.CreateTask(ctx, source); err != nil {
		t.Fatal(err)
	}

	if err := j.escalateConflict(ctx, remediationInputForPR(7, source.ID)); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if forge.closed {
		t.Fatal("PR #7 closed on the strength of PR #70's remediation history")
	}
	fix, err := st.FindActiveTaskByTitlePrefix(ctx, "[AutoFix-Conflict] PR #7 (")
	if err != nil || fix == nil {
		t.Fatalf("conflict task for PR #7 not created: %v", err)
	}
	if fix.Title != "[AutoFix-Conflict] PR #7 (attempt 1/3)" {
		t.Fatalf("title = %q, want a fresh attempt count", fix.Title)
	}
	got, _ := st.GetTask(ctx, source.ID)
	if got.Status != store.TaskBlocked || got.BlockReason != store.BlockNeedsRework {
		t.Fatalf("source = %s/%s, want blocked/needs_rework", got.Status, got.BlockReason)
	}
}

func TestActiveRemediationProbeIgnoresOtherPRs(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(7), &stubReviewer{}, nil)

	other := &store.Task{Title: "[AutoFix] PR #70 (attempt 1/3)", Status: store.TaskQueued}
	if err := st.CreateTask(ctx, other); err != nil {
		t.Fatal(err)
	}
	source := seedMergedTask(t, st)

	out, err := j.createRemediation(ctx, remediationAutoFix, remediationInputForPR(7, source.ID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !out.Created {
		t.Fatalf("PR #70's active task deduped PR #7's remediation: %+v", out)
	}
	task, _ := st.GetTask(ctx, out.TaskID)
	if task.Title != "[AutoFix] PR #7 (attempt 1/3)" {
		t.Fatalf("title = %q", task.Title)
	}
}

func TestDoomLoopEscalationIsUnlimited(t *testing.T) {
	ctx := context.Background()
	forge := newFakeForge(42)
	j, st := newTestJudge(t, forge, &stubReviewer{}, func(cfg *config.Config, _ *policy.Policy) {
		cfg.DoomLoopRetries = 1
	})

	// Burn the regular budget so only the unlimited path can create a task.
	for i := 1; i <= 3; i++ {
		prior := &store.Task{
			Title:  fmt.Sprintf("[AutoFix] PR #42 (attempt %d/3)", i),
			Status: store.TaskDone,
		}
		if err := st.CreateTask(ctx, prior); err != nil {
			t.Fatal(err)
		}
	}

	source := &store.Task{Title: "widget", Status: store.TaskBlocked, BlockReason: store.BlockAwaitingJudge}
	if err := st.CreateTask(ctx, source); err != nil {
		t.Fatal(err)
	}
	cand := &store.PendingCandidate{
		TaskID: source.ID, PRNumber: 42, RetryCount: 2, TaskTitle: source.Title,
	}
	summary := llmFailSummary(0, []string{"doom_loop_detected: same diff resubmitted"}, nil)
	result := Decide(summary, j.pol)

	if err := j.routeNonApprove(ctx, cand, result, summary); err != nil {
		t.Fatalf("route: %v", err)
	}

	fix, _ := st.FindActiveTaskByTitlePrefix(ctx, "[AutoFix] PR #42")
	if fix == nil {
		t.Fatal("doom loop escalation must bypass the attempt cap")
	}
	if fix.Title != "[AutoFix] PR #42 (attempt 4)" {
		t.Fatalf("title = %q, want unlimited numbering", fix.Title)
	}
}
