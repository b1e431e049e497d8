package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `id, account_id, thread_id, to_address, body, client_message_id, status,
	attempt_count, max_attempts, lease_until, lease_holder, next_attempt_at, last_error,
	network_message_id, sent_at, created_at, updated_at`

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.ThreadID, &e.ToAddress, &e.Body, &e.ClientMessageID, &e.Status,
		&e.AttemptCount, &e.MaxAttempts, &e.LeaseUntil, &e.LeaseHolder, &e.NextAttemptAt, &e.LastError,
		&e.NetworkMessageID, &e.SentAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ErrOutboxConflict is returned when an entry id is already taken by another
// account.
var ErrOutboxConflict = errors.New("outbox id belongs to another account")

// OutboxID returns the default entry id of a client message id. Client ids are
// only unique per account, so the account is part of the id.
func OutboxID(accountID, clientMessageID string) string {
	return "cm:" + accountID + ":" + clientMessageID
}

// EnqueueOutbox adds a send request. It is idempotent on the entry id and on
// (account, client message id): a repeated request returns the stored entry
// unchanged and created=false.
func (db *DB) EnqueueOutbox(ctx context.Context, e OutboxEntry) (entry *OutboxEntry, created bool, err error) {
	if e.AccountID == "" || e.ToAddress == "" {
		return nil, false, errors.New("account and recipient are required")
	}
	if e.ClientMessageID == "" && e.ID == "" {
		return nil, false, errors.New("id or client message id is required")
	}
	if e.ClientMessageID == "" {
		e.ClientMessageID = e.ID
	}
	if e.ID == "" {
		e.ID = OutboxID(e.AccountID, e.ClientMessageID)
	}
	if e.ThreadID == "" {
		e.ThreadID = ThreadID(e.AccountID, e.ToAddress)
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 5
	}

	now := time.Now().UnixMilli()
	if e.NextAttemptAt == 0 {
		e.NextAttemptAt = now
	}
	res, err := db.exec(ctx, `
		INSERT INTO outbox (id, account_id, thread_id, to_address, body, client_message_id, status,
			attempt_count, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.ID, e.AccountID, e.ThreadID, e.ToAddress, e.Body, e.ClientMessageID,
		e.MaxAttempts, e.NextAttemptAt, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue outbox: %w", err)
	}
	created, err = affected(res)
	if err != nil {
		return nil, false, err
	}

	entry, err = db.GetOutbox(ctx, e.ID)
	if errors.Is(err, ErrNotFound) {
		entry, err = db.GetOutboxByClientID(ctx, e.AccountID, e.ClientMessageID)
	}
	if err != nil {
		return nil, false, err
	}
	if entry.AccountID != e.AccountID {
		return nil, false, ErrOutboxConflict
	}
	return entry, created, nil
}

// GetOutbox returns a single outbox entry by id.
func (db *DB) GetOutbox(ctx context.Context, id string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.queryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// GetOutboxByClientID looks an entry up by the caller's client message id.
func (db *DB) GetOutboxByClientID(ctx context.Context, accountID, clientMessageID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.queryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox WHERE account_id = ? AND client_message_id = ?`,
		accountID, clientMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// DueOutbox returns queued entries of an account whose next attempt is due.
func (db *DB) DueOutbox(ctx context.Context, accountID string, now int64, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.listOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE account_id = ? AND status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?`, accountID, now, limit)
}

// ListOutbox returns the most recent entries of an account, optionally filtered by status.
func (db *DB) ListOutbox(ctx context.Context, accountID, status string, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return db.listOutbox(ctx, `
			SELECT `+outboxColumns+` FROM outbox WHERE account_id = ?
			ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	}
	return db.listOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox WHERE account_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT ?`, accountID, status, limit)
}

func (db *DB) listOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ClaimOutbox is the claim transaction: it re-reads the entry, requires it to
// be queued and not leased by another live holder, then marks it sending under
// holder until leaseUntil and counts the attempt. Returns nil when the entry is
// not claimable.
func (db *DB) ClaimOutbox(ctx context.Context, id, holder string, now, leaseUntil int64) (*OutboxEntry, error) {
	var claimed *OutboxEntry
	err := db.InTx(ctx, func(tx *Tx) error {
		e, err := scanOutbox(tx.queryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`+tx.forUpdate(), id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Status != OutboxQueued {
			return nil
		}
		if e.LeaseHolder != "" && e.LeaseHolder != holder && e.LeaseUntil > now {
			return nil
		}

		res, err := tx.exec(ctx, `
			UPDATE outbox SET status = 'sending', lease_holder = ?, lease_until = ?,
				attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND status = 'queued'`,
			holder, leaseUntil, now, id)
		if err != nil {
			return err
		}
		ok, err := affected(res)
		if err != nil || !ok {
			return err
		}

		e.Status = OutboxSending
		e.LeaseHolder = holder
		e.LeaseUntil = leaseUntil
		e.AttemptCount++
		e.UpdatedAt = now
		claimed = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox %s: %w", id, err)
	}
	return claimed, nil
}

// MarkOutboxSent records a successful send. Only the current claim holder can
// complete the entry.
func (db *DB) MarkOutboxSent(ctx context.Context, id, holder, networkMessageID string, now int64) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE outbox SET status = 'sent', network_message_id = ?, sent_at = ?, last_error = '',
			lease_holder = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_holder = ?`,
		networkMessageID, now, now, id, holder)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RequeueOutbox releases the claim and schedules another attempt.
func (db *DB) RequeueOutbox(ctx context.Context, id, holder string, nextAttemptAt int64, lastError string, now int64) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE outbox SET status = 'queued', next_attempt_at = ?, last_error = ?,
			lease_holder = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_holder = ?`,
		nextAttemptAt, lastError, now, id, holder)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FailOutbox marks the entry terminally failed.
func (db *DB) FailOutbox(ctx context.Context, id, holder, lastError string, now int64) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE outbox SET status = 'failed', last_error = ?, lease_holder = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_holder = ?`,
		lastError, now, id, holder)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ReapStaleOutbox returns sending entries whose claim expired, typically after
// a worker crashed mid-send. Entries with attempts left go back to queued; the
// rest fail.
func (db *DB) ReapStaleOutbox(ctx context.Context, accountID string, now int64) (requeued, failed int64, err error) {
	err = db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.exec(ctx, `
			UPDATE outbox SET status = 'failed', last_error = 'claim expired after final attempt',
				lease_holder = '', lease_until = 0, updated_at = ?
			WHERE account_id = ? AND status = 'sending' AND lease_until <= ? AND attempt_count > max_attempts`,
			now, accountID, now)
		if err != nil {
			return err
		}
		if failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.exec(ctx, `
			UPDATE outbox SET status = 'queued', next_attempt_at = ?, last_error = 'claim expired',
				lease_holder = '', lease_until = 0, updated_at = ?
			WHERE account_id = ? AND status = 'sending' AND lease_until <= ?`,
			now, now, accountID, now)
		if err != nil {
			return err
		}
		requeued, err = res.RowsAffected()
		return err
	})
	return requeued, failed, err
}
