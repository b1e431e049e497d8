// Package lease implements time-bounded exclusive claims stored in the shared
// database. A lease is valid only while its expiry is in the future; an
// expired lease counts as absent no matter who holds it.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wafleet/internal/store"
)

// AccountResource is the lease gating an account's live connection.
func AccountResource(accountID string) string {
	return "account/" + accountID
}

// RecentSyncResource is the lease gating the gap-filler for an account.
func RecentSyncResource(accountID string) string {
	return "recent-sync/" + accountID
}

// Coordinator acquires, renews and releases leases. Contention is reported as
// false with a nil error; errors are store failures only.
type Coordinator struct {
	db  *store.DB
	now func() time.Time
}

// New creates a coordinator on db.
func New(db *store.DB) *Coordinator {
	return &Coordinator{db: db, now: time.Now}
}

// SetClock replaces the clock. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// TryAcquire takes the lease iff no lease exists or the existing one expired.
func (c *Coordinator) TryAcquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (bool, error) {
	now := c.now()
	l := store.Lease{
		ResourceID: resourceID,
		HolderID:   holderID,
		Until:      now.Add(ttl).UnixMilli(),
		AcquiredAt: now.UnixMilli(),
	}

	var ok bool
	err := c.db.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.LockLease(ctx, resourceID)
		if err != nil {
			return err
		}
		switch {
		case current == nil:
			ok, err = tx.InsertLease(ctx, l)
		case current.Until <= l.AcquiredAt:
			ok, err = tx.TakeOverLease(ctx, l, l.AcquiredAt)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resourceID, err)
	}
	return ok, nil
}

// Renew extends the lease iff holderID still holds it and it has not expired.
func (c *Coordinator) Renew(ctx context.Context, resourceID, holderID string, ttl time.Duration) (bool, error) {
	now := c.now()
	var ok bool
	err := c.db.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.LockLease(ctx, resourceID)
		if err != nil || current == nil {
			return err
		}
		if current.HolderID != holderID || current.Until <= now.UnixMilli() {
			return nil
		}
		ok, err = tx.ExtendLease(ctx, resourceID, holderID, now.Add(ttl).UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", resourceID, err)
	}
	return ok, nil
}

// Release drops the lease if holderID holds it. Releasing a lease held by
// someone else is a no-op.
func (c *Coordinator) Release(ctx context.Context, resourceID, holderID string) error {
	err := c.db.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteLease(ctx, resourceID, holderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", resourceID, err)
	}
	return nil
}

// Holds reports whether holderID holds a live lease on resourceID.
func (c *Coordinator) Holds(ctx context.Context, resourceID, holderID string) (bool, error) {
	l, err := c.Get(ctx, resourceID)
	if err != nil || l == nil {
		return false, err
	}
	return l.HolderID == holderID, nil
}

// Get returns the live lease on resourceID, or nil when absent or expired.
func (c *Coordinator) Get(ctx context.Context, resourceID string) (*store.Lease, error) {
	l, err := c.db.GetLease(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Until <= c.now().UnixMilli() {
		return nil, nil
	}
	return l, nil
}
