package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentbus/agentbus/internal/bus/models"
)

// Thread operations

// CreateThread persists a new thread. ID and CreatedAt are assigned when zero.
func (s *Store) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	if thread.Status == "" {
		thread.Status = models.ThreadStatusDiscuss
	}

	metadataJSON := "{}"
	if thread.Metadata != nil {
		metadataBytes, err := json.Marshal(thread.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize thread metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, topic, status, prev_status, system_prompt, summary, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, thread.ID, thread.Topic, string(thread.Status), string(thread.PrevStatus), thread.SystemPrompt, thread.Summary, metadataJSON, thread.CreatedAt)

	return err
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return s.scanThread(s.ro.QueryRowContext(ctx, `
		SELECT id, topic, status, prev_status, system_prompt, summary, metadata, created_at, closed_at
		FROM threads WHERE id = ?
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanThread(row rowScanner) (*models.Thread, error) {
	thread := &models.Thread{}
	var status, prevStatus, metadataJSON string
	var closedAt sql.NullTime
	err := row.Scan(&thread.ID, &thread.Topic, &status, &prevStatus, &thread.SystemPrompt,
		&thread.Summary, &metadataJSON, &thread.CreatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	thread.Status = models.ThreadStatus(status)
	thread.PrevStatus = models.ThreadStatus(prevStatus)
	if closedAt.Valid {
		t := closedAt.Time
		thread.ClosedAt = &t
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize thread metadata: %w", err)
		}
	}
	return thread, nil
}

// ListThreads returns threads ordered by creation time, newest first.
// statusFilter narrows to a single status when non-empty. Archived threads
// are excluded unless includeArchived is set or explicitly filtered for.
func (s *Store) ListThreads(ctx context.Context, statusFilter models.ThreadStatus, includeArchived bool) ([]*models.Thread, error) {
	query := `
		SELECT id, topic, status, prev_status, system_prompt, summary, metadata, created_at, closed_at
		FROM threads`
	var args []any
	switch {
	case statusFilter != "":
		query += ` WHERE status = ?`
		args = append(args, string(statusFilter))
	case !includeArchived:
		query += ` WHERE status != 'archived'`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Thread
	for rows.Next() {
		thread, err := s.scanThread(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, thread)
	}
	return result, rows.Err()
}

// UpdateThreadStatus changes a thread's status. Callers validate the
// transition; this only guarantees the row exists.
func (s *Store) UpdateThreadStatus(ctx context.Context, id string, status models.ThreadStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE threads SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveThread sets status to archived, remembering the prior status.
func (s *Store) ArchiveThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET prev_status = status, status = 'archived'
		WHERE id = ? AND status != 'archived'
	`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// UnarchiveThread restores the status recorded at archive time. Threads
// archived before prev_status existed fall back to discuss.
func (s *Store) UnarchiveThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status = CASE WHEN prev_status = '' THEN 'discuss' ELSE prev_status END,
		    prev_status = ''
		WHERE id = ? AND status = 'archived'
	`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// CloseThread marks a thread closed, optionally recording a summary.
func (s *Store) CloseThread(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status = 'closed',
		    summary = CASE WHEN ? != '' THEN ? ELSE summary END,
		    closed_at = ?
		WHERE id = ?
	`, summary, summary, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteThread hard-deletes a thread. Messages cascade via the foreign key.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}
