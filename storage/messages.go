package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatsync/models"
)

const messageColumns = `
			message_id,
			conversation_id,
			sender,
			content,
			send_time,
			is_deleted,
			is_edited,
			edit_time`

// SaveMessages upserts a batch of messages for one conversation. Messages
// without an ID are skipped; the rest are written in a single transaction.
func (s *Store) SaveMessages(ctx context.Context, conversationID string, messages []models.Message) (int, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}
	if len(messages) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save messages transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (
			conversation_id,
			message_id,
			sender,
			content,
			send_time,
			is_deleted,
			is_edited,
			edit_time,
			stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, message_id) DO UPDATE SET
			sender = excluded.sender,
			content = excluded.content,
			send_time = excluded.send_time,
			is_deleted = excluded.is_deleted,
			is_edited = excluded.is_edited,
			edit_time = excluded.edit_time,
			stored_at = excluded.stored_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare save message: %w", err)
	}
	defer stmt.Close()

	storedAt := nowUnixMilli()
	saved := 0
	for _, message := range messages {
		if message.ID == "" {
			continue
		}
		if _, err := stmt.ExecContext(
			ctx,
			conversationID,
			message.ID,
			message.Sender,
			message.Content,
			message.SendTime,
			boolInt(message.IsDeleted),
			boolInt(message.IsEdited),
			nullInt64(message.EditTime),
			storedAt,
		); err != nil {
			return 0, fmt.Errorf("save message %q: %w", message.ID, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save messages transaction: %w", err)
	}
	return saved, nil
}

// LoadOlder returns one page of a conversation's history, newest first.
// offset counts messages already paged past.
func (s *Store) LoadOlder(ctx context.Context, conversationID string, pageSize, offset int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY send_time DESC, message_id DESC
		LIMIT ? OFFSET ?`,
		conversationID,
		pageSize,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("load older messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	return scanMessages(rows, pageSize)
}

// LoadBefore returns up to pageSize messages strictly older than before,
// newest first. A nil before starts from the newest stored message. Rows saved
// at the newest end between calls do not move later pages.
func (s *Store) LoadBefore(ctx context.Context, conversationID string, pageSize int, before *models.Cursor) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		query += `
			AND (send_time < ? OR (send_time = ? AND message_id < ?))`
		args = append(args, before.SendTime, before.SendTime, before.ID)
	}
	query += `
		ORDER BY send_time DESC, message_id DESC
		LIMIT ?`
	args = append(args, pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages before cursor for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	return scanMessages(rows, pageSize)
}

// GetMessage fetches one message.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND message_id = ?`,
		conversationID,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// CountMessages returns how many messages are stored for a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages for conversation %q: %w", conversationID, err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows, capacity int) ([]models.Message, error) {
	messages := make([]models.Message, 0, capacity)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		isDeleted int
		isEdited  int
		editTime  sql.NullInt64
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.Sender,
		&message.Content,
		&message.SendTime,
		&isDeleted,
		&isEdited,
		&editTime,
	); err != nil {
		return nil, err
	}

	message.IsDeleted = isDeleted == 1
	message.IsEdited = isEdited == 1
	message.EditTime = int64Ptr(editTime)
	return &message, nil
}
