package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// PendingPRs yields PR candidates ready for judgement: a successful run with
// a pr artifact, not yet judged, whose task is blocked. Ordered newest run
// first, deduplicated by task so a task with several stale runs is judged
// against its latest output only.
func (s *Store) PendingPRs(ctx context.Context) ([]*PendingCandidate, error) {
	return s.pendingByArtifactType(ctx, ArtifactPR)
}

// PendingWorktrees yields worktree candidates ready for judgement. Base
// branch, branch name, and base repo path come from the artifact metadata;
// callers fall back to configured defaults for missing fields.
func (s *Store) PendingWorktrees(ctx context.Context) ([]*PendingCandidate, error) {
	return s.pendingByArtifactType(ctx, ArtifactWorktree)
}

func (s *Store) pendingByArtifactType(ctx context.Context, artifactType ArtifactType) ([]*PendingCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.task_id, r.started_at, a.ref, a.url, a.metadata,
			t.title, t.goal, t.risk_level, t.allowed_paths, t.denied_commands,
			t.commands, t.priority, t.retry_count
		FROM runs r
		JOIN artifacts a ON a.run_id = r.id AND a.type = ?
		JOIN tasks t ON t.id = r.task_id
		WHERE r.status = 'success' AND r.judged_at IS NULL AND t.status = 'blocked'
		ORDER BY r.started_at DESC`, string(artifactType))
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending candidates: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []*PendingCandidate
	for rows.Next() {
		var c PendingCandidate
		var ref, metadata, allowed, denied, commands string
		if err := rows.Scan(&c.RunID, &c.TaskID, &c.StartedAt, &ref, &c.PRURL, &metadata,
			&c.TaskTitle, &c.TaskGoal, &c.TaskRiskLevel, &allowed, &denied,
			&commands, &c.Priority, &c.RetryCount); err != nil {
			return nil, err
		}
		// One candidate per task per scan.
		if seen[c.TaskID] {
			continue
		}
		seen[c.TaskID] = true

		c.ArtifactType = artifactType
		c.AllowedPaths = unmarshalStrings(allowed)
		c.DeniedCommands = unmarshalStrings(denied)
		c.Commands = unmarshalStrings(commands)

		var meta ArtifactMetadata
		_ = json.Unmarshal([]byte(metadata), &meta)

		switch artifactType {
		case ArtifactPR:
			n, err := strconv.Atoi(ref)
			if err != nil {
				// A pr artifact without a numeric ref is unjudgeable; skip it.
				continue
			}
			c.PRNumber = n
		case ArtifactWorktree:
			c.WorktreePath = ref
			c.BaseBranch = meta.BaseBranch
			c.BranchName = meta.BranchName
			c.BaseRepoPath = meta.BaseRepoPath
		}

		out = append(out, &c)
	}
	return out, rows.Err()
}
