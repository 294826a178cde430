package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is a locally stored replication checkpoint.
type Checkpoint struct {
	ID        string
	Value     string
	UpdatedAt time.Time
}

// GetCheckpoint returns the last sequence saved for a replication checkpoint
// ID. ok is false if none was saved.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (value string, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE id = ?`, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read checkpoint %s: %w", id, err)
	}
	return value, true, nil
}

// SetCheckpoint saves the last sequence for a replication checkpoint ID.
func (s *Store) SetCheckpoint(ctx context.Context, id, value string) error {
	query := `
	INSERT INTO checkpoints (id, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, query, id, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", id, err)
	}
	return nil
}

// DeleteCheckpoint removes a checkpoint. Missing checkpoints are ignored.
func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// ListCheckpoints returns all stored checkpoints ordered by ID.
func (s *Store) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, value, updated_at FROM checkpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var updated string
		if err := rows.Scan(&cp.ID, &cp.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			cp.UpdatedAt = t
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
