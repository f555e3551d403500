package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordEvent appends an audit event. Events are never mutated.
func (s *Store) RecordEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, entity_type, entity_id, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.EntityType, e.EntityID, e.AgentID, marshalJSON(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// HasEvent reports whether any event of the given type exists for the entity.
// Used as a duplicate guard (e.g. one docser task per source task).
func (s *Store) HasEvent(ctx context.Context, eventType, entityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE type = ? AND entity_id = ?`,
		eventType, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count events: %w", err)
	}
	return n > 0, nil
}

// EventsByEntity lists events for one entity, oldest first.
func (s *Store) EventsByEntity(ctx context.Context, entityType, entityID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, entity_type, entity_id, agent_id, payload, created_at
		FROM events WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &e.AgentID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// EventsByType lists events of one type, oldest first.
func (s *Store) EventsByType(ctx context.Context, eventType string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, entity_type, entity_id, agent_id, payload, created_at
		FROM events WHERE type = ? ORDER BY created_at ASC`, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &e.AgentID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}
