package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/wafleet/internal/msgkey"
)

const messageColumns = `thread_id, id, account_id, network_message_id, client_message_id, direction,
	sender, body, message_type, status, source, timestamp`

func (m *Message) fillKeys() {
	if m.ID == "" {
		m.ID = msgkey.For(m.NetworkMessageID, m.Direction, m.Body, m.Timestamp)
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
}

// InsertMessageIfAbsent writes the message unless a message with the same
// identity key, network id or client message id already exists in the thread.
// Existing rows are never modified.
func (db *DB) InsertMessageIfAbsent(ctx context.Context, m *Message) (bool, error) {
	if m.ThreadID == "" {
		return false, errors.New("message has no thread")
	}
	m.fillKeys()
	res, err := db.exec(ctx, `
		INSERT INTO messages (`+messageColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		m.ThreadID, m.ID, m.AccountID, m.NetworkMessageID, m.ClientMessageID, m.Direction,
		m.Sender, m.Body, m.MessageType, m.Status, m.Source, m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RecordOutboundMessage stores the message produced by a completed send. When
// the same network message was already stored by another path, the client
// message id is linked onto that row instead of writing a second one.
func (db *DB) RecordOutboundMessage(ctx context.Context, m *Message) error {
	inserted, err := db.InsertMessageIfAbsent(ctx, m)
	if err != nil || inserted || m.NetworkMessageID == "" || m.ClientMessageID == "" {
		return err
	}
	_, err = db.exec(ctx, `
		UPDATE messages SET client_message_id = ?, status = ?
		WHERE thread_id = ? AND network_message_id = ? AND client_message_id = ''`,
		m.ClientMessageID, m.Status, m.ThreadID, m.NetworkMessageID)
	return err
}

// LatestNetworkMessage returns the newest message of a thread that carries a
// network id. Returns ErrNotFound when the thread has none.
func (db *DB) LatestNetworkMessage(ctx context.Context, threadID string) (*Message, error) {
	var m Message
	err := db.queryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ? AND network_message_id <> ''
		ORDER BY timestamp DESC
		LIMIT 1`, threadID).
		Scan(&m.ThreadID, &m.ID, &m.AccountID, &m.NetworkMessageID, &m.ClientMessageID, &m.Direction,
			&m.Sender, &m.Body, &m.MessageType, &m.Status, &m.Source, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a thread using keyset pagination by timestamp.
func (db *DB) ListMessages(ctx context.Context, threadID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, threadID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ThreadID, &m.ID, &m.AccountID, &m.NetworkMessageID, &m.ClientMessageID, &m.Direction,
			&m.Sender, &m.Body, &m.MessageType, &m.Status, &m.Source, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages in a thread.
func (db *DB) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}
