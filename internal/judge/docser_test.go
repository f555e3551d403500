package judge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/store"
)

func seedMergedTask(t *testing.T, st *store.Store) *store.Task {
	t.Helper()
	task := &store.Task{Title: "Add widget endpoint", Goal: "Expose widgets over HTTP", Status: store.TaskDone}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestDocserTaskCreation(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(0), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)

	j.maybeCreateDocserTask(ctx, source.ID, []string{"src/widget.go"}, "")

	doc, err := st.FindActiveTaskByTitlePrefix(ctx, "Documentation update:")
	if err != nil || doc == nil {
		t.Fatalf("docser task not created: %v", err)
	}
	if doc.Role != store.RoleDocser {
		t.Fatalf("role = %s, want docser", doc.Role)
	}
	if len(doc.AllowedPaths) == 0 || doc.AllowedPaths[0] != "docs/**" {
		t.Fatalf("allowed paths = %v", doc.AllowedPaths)
	}
	if len(doc.DependsOn) != 1 || doc.DependsOn[0] != source.ID {
		t.Fatalf("depends on = %v", doc.DependsOn)
	}
}

func TestDocserDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(0), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)

	j.maybeCreateDocserTask(ctx, source.ID, []string{"src/widget.go"}, "")
	j.maybeCreateDocserTask(ctx, source.ID, []string{"src/widget.go"}, "")

	if n := len(eventsOfType(t, st, store.EventDocserTaskCreated)); n != 1 {
		t.Fatalf("docser events = %d, want 1", n)
	}
}

func TestDocserSkipsDocOnlyMergeWithoutGaps(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(0), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)

	// Complete documentation surface, doc-only change: nothing to do.
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"README.md", "docs/README.md"} {
		if err := os.WriteFile(filepath.Join(repo, f), []byte("# docs\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	j.maybeCreateDocserTask(ctx, source.ID, []string{"docs/guide.md", "README.md"}, repo)

	if doc, _ := st.FindActiveTaskByTitlePrefix(ctx, "Documentation update:"); doc != nil {
		t.Fatal("doc-only merge with no gaps must not spawn a docser task")
	}
}

func TestDocserDocGapsOverrideDocOnlySkip(t *testing.T) {
	ctx := context.Background()
	j, st := newTestJudge(t, newFakeForge(0), &stubReviewer{}, nil)
	source := seedMergedTask(t, st)

	// Doc-only change but the repo has no docs/ directory at all.
	repo := t.TempDir()

	j.maybeCreateDocserTask(ctx, source.ID, []string{"README.md"}, repo)

	doc, _ := st.FindActiveTaskByTitlePrefix(ctx, "Documentation update:")
	if doc == nil {
		t.Fatal("doc gaps must force a docser task even for doc-only merges")
	}
}

func TestDetectDocGaps(t *testing.T) {
	if gaps := detectDocGaps(""); gaps != nil {
		t.Fatalf("no repo path must yield no gaps, got %v", gaps)
	}

	empty := t.TempDir()
	gaps := detectDocGaps(empty)
	if len(gaps) != 2 {
		t.Fatalf("bare repo gaps = %v, want missing docs/ and missing README", gaps)
	}

	full := t.TempDir()
	if err := os.MkdirAll(filepath.Join(full, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"README.md", "docs/README.md"} {
		if err := os.WriteFile(filepath.Join(full, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if gaps := detectDocGaps(full); len(gaps) != 0 {
		t.Fatalf("complete repo gaps = %v, want none", gaps)
	}
}

func TestDocserCommandsLockfileSniff(t *testing.T) {
	tests := []struct {
		lockfile string
		want     string
	}{
		{"pnpm-lock.yaml", "pnpm run check"},
		{"yarn.lock", "yarn run check"},
		{"package-lock.json", "npm run check"},
		{"bun.lockb", "bun run check"},
	}
	for _, tt := range tests {
		t.Run(tt.lockfile, func(t *testing.T) {
			repo := t.TempDir()
			if err := os.WriteFile(filepath.Join(repo, tt.lockfile), []byte("{}"), 0o644); err != nil {
				t.Fatal(err)
			}
			got := docserCommands(repo)
			if len(got) != 1 || got[0] != tt.want {
				t.Fatalf("commands = %v, want [%s]", got, tt.want)
			}
		})
	}

	if got := docserCommands(t.TempDir()); got != nil {
		t.Fatalf("no lockfile must yield no commands, got %v", got)
	}
	if got := docserCommands(""); got != nil {
		t.Fatalf("no repo path must yield no commands, got %v", got)
	}
}

func TestDocserPnpmWinsOverNpm(t *testing.T) {
	repo := t.TempDir()
	for _, f := range []string{"pnpm-lock.yaml", "package-lock.json"} {
		if err := os.WriteFile(filepath.Join(repo, f), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got := docserCommands(repo)
	if len(got) != 1 || got[0] != "pnpm run check" {
		t.Fatalf("commands = %v, want pnpm precedence", got)
	}
}

var _ llm.Reviewer = (*stubReviewer)(nil)
