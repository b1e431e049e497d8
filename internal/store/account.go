package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// NormalizePhone keeps only the digits of a phone number.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}

// DeriveAccountID builds the stable account id from namespace and phone.
func DeriveAccountID(namespace, phone string) string {
	sum := sha1.Sum([]byte(namespace + "|" + NormalizePhone(phone)))
	return namespace + "-" + hex.EncodeToString(sum[:])[:16]
}

const accountColumns = `id, namespace, phone, status, last_disconnect_reason, last_disconnect_at,
	retry_count, next_retry_at, connected_at, device_jid, last_recent_sync_at,
	last_recent_sync_result, created_at, updated_at`

// terminalGuard keeps writes from moving an account out of a terminal status.
const terminalGuard = ` AND status NOT IN ('needs_qr', 'logged_out')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var result string
	err := row.Scan(&a.ID, &a.Namespace, &a.Phone, &a.Status, &a.LastDisconnectReason, &a.LastDisconnectAt,
		&a.RetryCount, &a.NextRetryAt, &a.ConnectedAt, &a.DeviceJID, &a.LastRecentSyncAt,
		&result, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if result != "" {
		var r RecentSyncResult
		if err := json.Unmarshal([]byte(result), &r); err == nil {
			a.LastRecentSyncResult = &r
		}
	}
	return &a, nil
}

// ProvisionAccount creates the account for namespace and phone if it does not
// exist yet and returns the stored row.
func (db *DB) ProvisionAccount(ctx context.Context, namespace, phone string) (*Account, error) {
	id := DeriveAccountID(namespace, phone)
	now := time.Now().UnixMilli()
	if _, err := db.exec(ctx, `
		INSERT INTO accounts (id, namespace, phone, status, created_at, updated_at)
		VALUES (?, ?, ?, 'connecting', ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, namespace, NormalizePhone(phone), now, now); err != nil {
		return nil, fmt.Errorf("provision account: %w", err)
	}
	return db.GetAccount(ctx, id)
}

// GetAccount returns a single account by id.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(db.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by id.
func (db *DB) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateAccountState persists a connection transition. Unless force is set,
// the write is skipped when the stored status is terminal; the returned bool
// reports whether a row changed.
func (db *DB) UpdateAccountState(ctx context.Context, id string, st AccountState, force bool) (bool, error) {
	query := `
		UPDATE accounts SET status = ?, last_disconnect_reason = ?, last_disconnect_at = ?,
			retry_count = ?, next_retry_at = ?, connected_at = ?, updated_at = ?
		WHERE id = ?`
	if !force {
		query += terminalGuard
	}
	res, err := db.exec(ctx, query,
		st.Status, st.LastDisconnectReason, st.LastDisconnectAt,
		st.RetryCount, st.NextRetryAt, st.ConnectedAt, time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("update account state: %w", err)
	}
	return affected(res)
}

// SetDeviceJID records the paired device that holds the account's credentials.
func (db *DB) SetDeviceJID(ctx context.Context, id, deviceJID string) error {
	_, err := db.exec(ctx, `UPDATE accounts SET device_jid = ?, updated_at = ? WHERE id = ?`,
		deviceJID, time.Now().UnixMilli(), id)
	return err
}

// ClearDeviceJID drops the credentials pointer.
func (db *DB) ClearDeviceJID(ctx context.Context, id string) error {
	return db.SetDeviceJID(ctx, id, "")
}

// SetRecentSyncResult records the outcome of a gap-filler run.
func (db *DB) SetRecentSyncResult(ctx context.Context, id string, at int64, r RecentSyncResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, `
		UPDATE accounts SET last_recent_sync_at = ?, last_recent_sync_result = ?, updated_at = ?
		WHERE id = ?`, at, string(data), time.Now().UnixMilli(), id)
	return err
}
