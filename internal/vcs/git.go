// Package vcs wraps git subprocess operations against a local repository.
// Every operation returns a CmdResult so callers can surface stderr verbatim
// in verdicts instead of losing it inside wrapped errors.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CmdResult is the outcome of one git invocation.
type CmdResult struct {
	Success bool
	Stdout  string
	Stderr  string
}

// Git runs git commands in a fixed repository directory.
type Git struct {
	repoPath string
}

// NewGit creates git operations rooted at repoPath.
func NewGit(repoPath string) *Git {
	return &Git{repoPath: repoPath}
}

// RepoPath returns the repository root this adapter operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

func (g *Git) run(ctx context.Context, args ...string) CmdResult {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return CmdResult{
		Success: err == nil,
		Stdout:  strings.TrimRight(stdout.String(), "\n"),
		Stderr:  strings.TrimRight(stderr.String(), "\n"),
	}
}

// GetChangedFiles lists modified and staged files (git status --porcelain),
// excluding untracked entries.
func (g *Git) GetChangedFiles(ctx context.Context) ([]string, error) {
	res := g.run(ctx, "status", "--porcelain")
	if !res.Success {
		return nil, fmt.Errorf("git status failed: %s", res.Stderr)
	}

	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 4 || strings.HasPrefix(line, "??") {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// GetUntrackedFiles lists files git does not track yet.
func (g *Git) GetUntrackedFiles(ctx context.Context) ([]string, error) {
	res := g.run(ctx, "ls-files", "--others", "--exclude-standard")
	if !res.Success {
		return nil, fmt.Errorf("git ls-files failed: %s", res.Stderr)
	}
	if res.Stdout == "" {
		return nil, nil
	}
	return strings.Split(res.Stdout, "\n"), nil
}

// GetWorkingTreeDiff returns the full working tree diff including staged
// changes.
func (g *Git) GetWorkingTreeDiff(ctx context.Context) CmdResult {
	return g.run(ctx, "diff", "HEAD")
}

// GetDiffStat returns per-file addition/deletion counts between two refs
// (git diff --numstat base...head).
func (g *Git) GetDiffStat(ctx context.Context, base, head string) ([]DiffEntry, error) {
	res := g.run(ctx, "diff", "--numstat", base+"..."+head)
	if !res.Success {
		return nil, fmt.Errorf("git diff --numstat failed: %s", res.Stderr)
	}
	return parseNumstat(res.Stdout), nil
}

// GetBranchDiff returns the unified diff of head against base.
func (g *Git) GetBranchDiff(ctx context.Context, base, head string) CmdResult {
	return g.run(ctx, "diff", base+"..."+head)
}

// DiffEntry is one row of git diff --numstat output.
type DiffEntry struct {
	Path      string
	Additions int
	Deletions int
}

func parseNumstat(out string) []DiffEntry {
	var entries []DiffEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		// Binary files report "-" for both counts.
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		entries = append(entries, DiffEntry{
			Path:      strings.Join(parts[2:], " "),
			Additions: add,
			Deletions: del,
		})
	}
	return entries
}

// StashChanges stashes tracked and untracked changes with the given message.
func (g *Git) StashChanges(ctx context.Context, msg string) CmdResult {
	return g.run(ctx, "stash", "push", "--include-untracked", "-m", msg)
}

// GetLatestStashRef returns the most recent stash ref, or an empty string when
// the stash is empty.
func (g *Git) GetLatestStashRef(ctx context.Context) (string, error) {
	res := g.run(ctx, "stash", "list", "--format=%gd")
	if !res.Success {
		return "", fmt.Errorf("git stash list failed: %s", res.Stderr)
	}
	if res.Stdout == "" {
		return "", nil
	}
	return strings.SplitN(res.Stdout, "\n", 2)[0], nil
}

// ApplyStash applies (without dropping) the given stash ref.
func (g *Git) ApplyStash(ctx context.Context, ref string) CmdResult {
	return g.run(ctx, "stash", "apply", ref)
}

// DropStash removes the given stash ref.
func (g *Git) DropStash(ctx context.Context, ref string) CmdResult {
	return g.run(ctx, "stash", "drop", ref)
}

// StageAll stages every change in the working tree.
func (g *Git) StageAll(ctx context.Context) CmdResult {
	return g.run(ctx, "add", "-A")
}

// CommitChanges commits staged changes with the given message.
func (g *Git) CommitChanges(ctx context.Context, msg string) CmdResult {
	return g.run(ctx, "commit", "-m", msg)
}

// IsMergeInProgress reports whether a merge has been started but not
// concluded (MERGE_HEAD exists).
func (g *Git) IsMergeInProgress(ctx context.Context) (bool, error) {
	res := g.run(ctx, "rev-parse", "--git-dir")
	if !res.Success {
		return false, fmt.Errorf("git rev-parse failed: %s", res.Stderr)
	}
	gitDir := res.Stdout
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(g.repoPath, gitDir)
	}
	_, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD"))
	return err == nil, nil
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context) CmdResult {
	return g.run(ctx, "merge", "--abort")
}

// CheckoutBranch switches to an existing branch.
func (g *Git) CheckoutBranch(ctx context.Context, name string) CmdResult {
	return g.run(ctx, "checkout", name)
}

// ResetHard resets the current branch to ref, discarding local changes.
func (g *Git) ResetHard(ctx context.Context, ref string) CmdResult {
	return g.run(ctx, "reset", "--hard", ref)
}

// CleanUntracked removes untracked files and directories.
func (g *Git) CleanUntracked(ctx context.Context) CmdResult {
	return g.run(ctx, "clean", "-fd")
}

// MergeOptions control MergeBranch behavior.
type MergeOptions struct {
	FFOnly bool
	NoEdit bool
}

// MergeBranch merges the named branch into the current branch.
func (g *Git) MergeBranch(ctx context.Context, name string, opts MergeOptions) CmdResult {
	args := []string{"merge"}
	if opts.FFOnly {
		args = append(args, "--ff-only")
	}
	if opts.NoEdit {
		args = append(args, "--no-edit")
	}
	args = append(args, name)
	return g.run(ctx, args...)
}
