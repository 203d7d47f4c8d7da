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

// Message operations

// InsertMessage appends a message to a thread's log. The bus-wide sequence
// number is allocated from the seq_counter row inside the same transaction as
// the insert, so a committed message always owns its seq and no seq is handed
// out without a committed row behind it.
func (s *Store) InsertMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Role == "" {
		message.Role = models.RoleUser
	}

	mentionsJSON := "[]"
	if message.Mentions != nil {
		mentionsBytes, err := json.Marshal(message.Mentions)
		if err != nil {
			return fmt.Errorf("failed to serialize message mentions: %w", err)
		}
		mentionsJSON = string(mentionsBytes)
	}
	metadataJSON := "{}"
	if message.Metadata != nil {
		metadataBytes, err := json.Marshal(message.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize message metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var threadStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id = ?`, message.ThreadID).Scan(&threadStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("thread %s: %w", message.ThreadID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE seq_counter SET val = val + 1 WHERE id = 1`); err != nil {
		return err
	}
	if err := tx.QueryRowContext(ctx, `SELECT val FROM seq_counter WHERE id = 1`).Scan(&message.Seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, author_id, author_name, role, content, mentions, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.ThreadID, message.Seq, message.AuthorID, message.AuthorName,
		string(message.Role), message.Content, mentionsJSON, metadataJSON, message.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// ListMessages returns up to limit messages with seq > afterSeq for a thread,
// in ascending seq order. When includeSystemPrompt is false, synthetic
// system-role rows are filtered from the result. A limit of 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int, includeSystemPrompt bool) ([]*models.Message, error) {
	query := `
		SELECT id, thread_id, seq, author_id, author_name, role, content, mentions, metadata, created_at
		FROM messages WHERE thread_id = ? AND seq > ?`
	args := []any{threadID, afterSeq}
	if !includeSystemPrompt {
		query += ` AND role != 'system'`
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message := &models.Message{}
		var role, mentionsJSON, metadataJSON string
		err := rows.Scan(&message.ID, &message.ThreadID, &message.Seq, &message.AuthorID,
			&message.AuthorName, &role, &message.Content, &mentionsJSON, &metadataJSON, &message.CreatedAt)
		if err != nil {
			return nil, err
		}
		message.Role = models.MessageRole(role)
		if mentionsJSON != "" && mentionsJSON != "[]" {
			if err := json.Unmarshal([]byte(mentionsJSON), &message.Mentions); err != nil {
				return nil, fmt.Errorf("failed to deserialize message mentions: %w", err)
			}
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &message.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
			}
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// MaxSeq returns the highest sequence number in a thread, 0 when empty.
func (s *Store) MaxSeq(ctx context.Context, threadID string) (int64, error) {
	var seq sql.NullInt64
	err := s.ro.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE thread_id = ?`, threadID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// CountMessages returns the number of messages in a thread.
func (s *Store) CountMessages(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&count)
	return count, err
}
