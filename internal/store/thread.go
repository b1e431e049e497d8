package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ThreadID builds the thread id for a peer of an account.
func ThreadID(accountID, peerAddress string) string {
	return accountID + ":" + peerAddress
}

// PeerAddress recovers the peer of a thread id built by ThreadID.
func PeerAddress(threadID, accountID string) string {
	return strings.TrimPrefix(threadID, accountID+":")
}

// TouchThread creates the thread if needed and moves its last-message marker
// forward. Older messages never overwrite a newer preview.
func (db *DB) TouchThread(ctx context.Context, accountID, peerAddress string, messageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.exec(ctx, `
		INSERT INTO threads (id, account_id, peer_address, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at > threads.last_message_at
				THEN excluded.last_message_preview ELSE threads.last_message_preview END,
			last_message_at = CASE WHEN excluded.last_message_at > threads.last_message_at
				THEN excluded.last_message_at ELSE threads.last_message_at END,
			updated_at = excluded.updated_at`,
		ThreadID(accountID, peerAddress), accountID, peerAddress, messageAt, truncate(preview, 100), now, now)
	return err
}

// SetThreadName updates the display name of a thread, creating it if needed.
func (db *DB) SetThreadName(ctx context.Context, accountID, peerAddress, name string) error {
	now := time.Now().UnixMilli()
	_, err := db.exec(ctx, `
		INSERT INTO threads (id, account_id, peer_address, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		ThreadID(accountID, peerAddress), accountID, peerAddress, name, now, now)
	return err
}

// RecentThreads returns an account's threads by most recent activity.
func (db *DB) RecentThreads(ctx context.Context, accountID string, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT id, account_id, peer_address, display_name, last_message_at, last_message_preview
		FROM threads
		WHERE account_id = ?
		ORDER BY last_message_at DESC
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PeerAddress, &t.DisplayName, &t.LastMessageAt, &t.LastMessagePreview); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetThread returns a single thread by id.
func (db *DB) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := db.queryRow(ctx, `
		SELECT id, account_id, peer_address, display_name, last_message_at, last_message_preview
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.AccountID, &t.PeerAddress, &t.DisplayName, &t.LastMessageAt, &t.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
