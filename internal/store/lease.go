package store

import (
	"context"
	"database/sql"
	"errors"
)

// Lease rows are only written inside transactions; the lease package owns the
// acquisition rules.

// LockLease reads a lease row for update. Returns nil when no row exists.
func (t *Tx) LockLease(ctx context.Context, resourceID string) (*Lease, error) {
	var l Lease
	err := t.queryRow(ctx, `
		SELECT resource_id, holder_id, until_ms, acquired_at
		FROM leases WHERE resource_id = ?`+t.forUpdate(), resourceID).
		Scan(&l.ResourceID, &l.HolderID, &l.Until, &l.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// InsertLease creates the lease row if none exists. Returns false when another
// transaction created it first.
func (t *Tx) InsertLease(ctx context.Context, l Lease) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO leases (resource_id, holder_id, until_ms, acquired_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO NOTHING`,
		l.ResourceID, l.HolderID, l.Until, l.AcquiredAt, l.AcquiredAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// TakeOverLease replaces the holder of a lease that expired at or before now.
func (t *Tx) TakeOverLease(ctx context.Context, l Lease, now int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE leases SET holder_id = ?, until_ms = ?, acquired_at = ?, updated_at = ?
		WHERE resource_id = ? AND until_ms <= ?`,
		l.HolderID, l.Until, l.AcquiredAt, now, l.ResourceID, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ExtendLease moves the expiry of a lease still held by holderID.
func (t *Tx) ExtendLease(ctx context.Context, resourceID, holderID string, until, now int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE leases SET until_ms = ?, updated_at = ?
		WHERE resource_id = ? AND holder_id = ? AND until_ms > ?`,
		until, now, resourceID, holderID, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeleteLease removes the lease row if holderID still holds it.
func (t *Tx) DeleteLease(ctx context.Context, resourceID, holderID string) (bool, error) {
	res, err := t.exec(ctx, `DELETE FROM leases WHERE resource_id = ? AND holder_id = ?`, resourceID, holderID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// GetLease reads a lease outside a transaction. Returns nil when absent.
func (db *DB) GetLease(ctx context.Context, resourceID string) (*Lease, error) {
	var l Lease
	err := db.queryRow(ctx, `
		SELECT resource_id, holder_id, until_ms, acquired_at
		FROM leases WHERE resource_id = ?`, resourceID).
		Scan(&l.ResourceID, &l.HolderID, &l.Until, &l.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
