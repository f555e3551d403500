package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveArtifact inserts an artifact. Artifacts are immutable once written.
func (s *Store) SaveArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, type, ref, url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, string(a.Type), a.Ref, a.URL, marshalJSON(a.Metadata), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ArtifactsByRun lists artifacts produced by a run.
func (s *Store) ArtifactsByRun(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, ref, url, metadata, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var typ, metadata string
		if err := rows.Scan(&a.ID, &a.RunID, &typ, &a.Ref, &a.URL, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = ArtifactType(typ)
		_ = json.Unmarshal([]byte(metadata), &a.Metadata)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
