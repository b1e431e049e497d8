package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const incidentColumns = `id, account_id, type, active, first_detected_at, last_checked_at,
	resolved_at, evidence, instructions`

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var evidence string
	err := row.Scan(&inc.ID, &inc.AccountID, &inc.Type, &inc.Active, &inc.FirstDetectedAt,
		&inc.LastCheckedAt, &inc.ResolvedAt, &evidence, &inc.Instructions)
	if err != nil {
		return nil, err
	}
	if evidence != "" {
		_ = json.Unmarshal([]byte(evidence), &inc.Evidence)
	}
	return &inc, nil
}

// OpenIncident opens an incident for (account, type), or refreshes the active
// one in place. opened reports whether a new incident was created.
func (db *DB) OpenIncident(ctx context.Context, accountID, typ string, evidence map[string]any, instructions string, now int64) (inc *Incident, opened bool, err error) {
	data, err := json.Marshal(evidence)
	if err != nil {
		return nil, false, err
	}

	err = db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.exec(ctx, `
			UPDATE incidents SET last_checked_at = ?, evidence = ?, instructions = ?
			WHERE account_id = ? AND type = ? AND active`,
			now, string(data), instructions, accountID, typ)
		if err != nil {
			return err
		}
		refreshed, err := affected(res)
		if err != nil || refreshed {
			return err
		}

		res, err = tx.exec(ctx, `
			INSERT INTO incidents (id, account_id, type, active, first_detected_at, last_checked_at, evidence, instructions)
			VALUES (?, ?, ?, TRUE, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			uuid.NewString(), accountID, typ, now, now, string(data), instructions)
		if err != nil {
			return err
		}
		opened, err = affected(res)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("open incident %s/%s: %w", accountID, typ, err)
	}

	inc, err = db.ActiveIncident(ctx, accountID, typ)
	return inc, opened, err
}

// ResolveIncident closes the active incident for (account, type), if any.
func (db *DB) ResolveIncident(ctx context.Context, accountID, typ string, now int64) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE incidents SET active = FALSE, resolved_at = ?, last_checked_at = ?
		WHERE account_id = ? AND type = ? AND active`,
		now, now, accountID, typ)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ActiveIncident returns the active incident for (account, type).
func (db *DB) ActiveIncident(ctx context.Context, accountID, typ string) (*Incident, error) {
	inc, err := scanIncident(db.queryRow(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE account_id = ? AND type = ? AND active`,
		accountID, typ))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// ListIncidents returns incidents, newest first. activeOnly drops resolved ones.
func (db *DB) ListIncidents(ctx context.Context, activeOnly bool, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY last_checked_at DESC LIMIT ?`

	rows, err := db.query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}
