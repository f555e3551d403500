package judge

import (
	"context"
	"os"
	"path/filepath"

	"github.com/arbiterhq/arbiter/internal/store"
)

const docserTimeboxMinutes = 45

var docserAllowedPaths = []string{"docs/**", "ops/runbooks/**", "README.md"}

// maybeCreateDocserTask spawns a documentation follow-up after a successful
// merge. Skipped when the merge only touched documentation and no doc gap
// exists, or when a docser task was already created for the source task.
func (j *Judge) maybeCreateDocserTask(ctx context.Context, sourceTaskID string, changedPaths []string, repoPath string) {
	already, err := j.store.HasEvent(ctx, store.EventDocserTaskCreated, sourceTaskID)
	if err != nil {
		j.log.Error("docser duplicate guard failed", "task_id", sourceTaskID, "error", err)
		return
	}
	if already {
		return
	}

	gaps := detectDocGaps(repoPath)
	if j.pol.IsDocOnly(changedPaths) && len(gaps) == 0 {
		return
	}

	source, err := j.store.GetTask(ctx, sourceTaskID)
	if err != nil || source == nil {
		j.log.Error("failed to load source task for docser", "task_id", sourceTaskID, "error", err)
		return
	}

	task := &store.Task{
		Title:          "Documentation update: " + source.Title,
		Goal:           docserGoal(source, changedPaths, gaps),
		Role:           store.RoleDocser,
		Kind:           store.KindCode,
		RiskLevel:      "low",
		Priority:       source.Priority,
		AllowedPaths:   docserAllowedPaths,
		DependsOn:      []string{source.ID},
		TimeboxMinutes: docserTimeboxMinutes,
		Commands:       docserCommands(repoPath),
		Context:        store.TaskContext{SourceTaskID: source.ID},
	}
	if err := j.store.CreateTask(ctx, task); err != nil {
		j.log.Error("failed to create docser task", "task_id", sourceTaskID, "error", err)
		return
	}

	j.recordEvent(ctx, store.EventDocserTaskCreated, "task", sourceTaskID, map[string]any{
		"docserTaskId": task.ID,
		"changedFiles": len(changedPaths),
		"docGaps":      gaps,
	})
	j.log.Info("docser task created", "source_task", sourceTaskID, "docser_task", task.ID)
}

func docserGoal(source *store.Task, changedPaths, gaps []string) string {
	goal := "Update the project documentation to reflect the merged change: " + source.Title
	if len(gaps) > 0 {
		goal += "\n\nDocumentation gaps to address:"
		for _, g := range gaps {
			goal += "\n- " + g
		}
	}
	if len(changedPaths) > 0 {
		goal += "\n\nFiles changed by the merge:"
		for _, p := range changedPaths {
			goal += "\n- " + p
		}
	}
	return goal
}

// detectDocGaps inspects a repository for missing documentation surfaces.
// With no repo path (git mode) there is nothing to inspect.
func detectDocGaps(repoPath string) []string {
	if repoPath == "" {
		return nil
	}
	var gaps []string

	docsDir := filepath.Join(repoPath, "docs")
	if info, err := os.Stat(docsDir); err != nil || !info.IsDir() {
		gaps = append(gaps, "missing docs/ directory")
	} else if entries, err := os.ReadDir(docsDir); err == nil && len(entries) == 0 {
		gaps = append(gaps, "docs/ directory is empty")
	} else {
		if _, err := os.Stat(filepath.Join(docsDir, "README.md")); err != nil {
			gaps = append(gaps, "missing docs/README.md")
		}
	}
	if _, err := os.Stat(filepath.Join(repoPath, "README.md")); err != nil {
		gaps = append(gaps, "missing root README.md")
	}
	return gaps
}

// docserCommands picks the verification command from the package manager's
// lockfile. No lockfile means no verification command; nothing is hardcoded.
func docserCommands(repoPath string) []string {
	if repoPath == "" {
		return nil
	}
	lockfiles := []struct {
		file string
		pm   string
	}{
		{"pnpm-lock.yaml", "pnpm"},
		{"yarn.lock", "yarn"},
		{"package-lock.json", "npm"},
		{"bun.lockb", "bun"},
	}
	for _, lf := range lockfiles {
		if _, err := os.Stat(filepath.Join(repoPath, lf.file)); err == nil {
			return []string{lf.pm + " run check"}
		}
	}
	return nil
}
