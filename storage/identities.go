package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatsync/identity"
	"chatsync/models"
)

// UpsertIdentity inserts or replaces one roster entry.
func (s *Store) UpsertIdentity(ctx context.Context, member models.Identity, updatedAt int64) error {
	key := identity.Normalize(member.NickName)
	if key == "" {
		return errors.New("nick_name is required")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO identities (nick_key, nick_name, image, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (nick_key) DO UPDATE SET
			nick_name = excluded.nick_name,
			image = excluded.image,
			updated_at = excluded.updated_at`,
		key,
		member.NickName,
		member.Image,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert identity %q: %w", member.NickName, err)
	}
	return nil
}

// ListIdentities returns the stored roster ordered by nickname.
func (s *Store) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT nick_name, image
		FROM identities
		ORDER BY nick_key ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	roster := make([]models.Identity, 0)
	for rows.Next() {
		var member models.Identity
		if err := rows.Scan(&member.NickName, &member.Image); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		roster = append(roster, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}
	return roster, nil
}

// RenameIdentity moves a roster entry to its new nickname and rewrites the
// sender of every stored message sent under the old one. An event older than
// the stored entry for the new nickname is ignored and reported as false.
func (s *Store) RenameIdentity(ctx context.Context, event models.RenameEvent) (bool, error) {
	oldKey := identity.Normalize(event.OldNickName)
	newKey := identity.Normalize(event.NewUserName)
	if oldKey == "" {
		return false, errors.New("old_nick_name is required")
	}
	if newKey == "" {
		return false, errors.New("new_user_name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rename transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lastUpdated int64
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM identities WHERE nick_key = ?`, newKey).Scan(&lastUpdated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("read identity %q: %w", event.NewUserName, err)
	case event.UpdatedAt != 0 && event.UpdatedAt < lastUpdated:
		return false, nil
	}

	image := event.Image
	if image == "" {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT image FROM identities WHERE nick_key IN (?, ?) AND image <> '' ORDER BY nick_key = ? DESC LIMIT 1`, oldKey, newKey, oldKey).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("read identity image %q: %w", event.OldNickName, err)
		}
		image = existing
	}

	if oldKey != newKey {
		if _, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE nick_key = ?`, oldKey); err != nil {
			return false, fmt.Errorf("remove identity %q: %w", event.OldNickName, err)
		}
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO identities (nick_key, nick_name, image, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (nick_key) DO UPDATE SET
			nick_name = excluded.nick_name,
			image = excluded.image,
			updated_at = excluded.updated_at`,
		newKey,
		event.NewUserName,
		image,
		event.UpdatedAt,
	); err != nil {
		return false, fmt.Errorf("store identity %q: %w", event.NewUserName, err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE messages SET sender = ? WHERE lower(trim(sender)) = ?`,
		event.NewUserName,
		oldKey,
	); err != nil {
		return false, fmt.Errorf("rename message senders %q: %w", event.OldNickName, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rename transaction: %w", err)
	}
	return true, nil
}
