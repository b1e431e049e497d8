package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + incidents)", result.Version)
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	if got := rebind(DriverSQLite, q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := `SELECT a FROM t WHERE b = $1 AND c = $2`
	if got := rebind(DriverPostgres, q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestDeriveAccountIDIgnoresPhoneFormatting(t *testing.T) {
	a := DeriveAccountID("acme", "+40 712-345-678")
	b := DeriveAccountID("acme", "40712345678")
	if a != b {
		t.Errorf("ids differ: %q vs %q", a, b)
	}
	if DeriveAccountID("other", "40712345678") == a {
		t.Error("namespace must change the id")
	}
}

func TestProvisionAccountIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a1, err := db.ProvisionAccount(ctx, "acme", "+40 712 345 678")
	if err != nil {
		t.Fatal(err)
	}
	if a1.Status != "connecting" || a1.Phone != "40712345678" {
		t.Errorf("account = %+v", a1)
	}
	if _, err := db.UpdateAccountState(ctx, a1.ID, AccountState{Status: "connected", ConnectedAt: 5}, false); err != nil {
		t.Fatal(err)
	}

	a2, err := db.ProvisionAccount(ctx, "acme", "40712345678")
	if err != nil {
		t.Fatal(err)
	}
	if a2.ID != a1.ID || a2.Status != "connected" {
		t.Errorf("re-provision changed the account: %+v", a2)
	}

	list, err := db.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("got %d accounts, want 1", len(list))
	}
}

func TestGetAccountNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestTerminalStatusGuard verifies that once an account is parked in a terminal
// status, ordinary state writes (such as a late retry scheduling) are no-ops.
func TestTerminalStatusGuard(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, _ := db.ProvisionAccount(ctx, "acme", "1")

	ok, err := db.UpdateAccountState(ctx, a.ID, AccountState{Status: "needs_qr", LastDisconnectReason: "logged_out"}, false)
	if err != nil || !ok {
		t.Fatalf("terminal write ok=%v err=%v", ok, err)
	}

	ok, err = db.UpdateAccountState(ctx, a.ID, AccountState{Status: "disconnected", RetryCount: 1, NextRetryAt: 99}, false)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("non-forced write must not leave a terminal status")
	}

	got, _ := db.GetAccount(ctx, a.ID)
	if got.Status != "needs_qr" || got.NextRetryAt != 0 {
		t.Errorf("account = %+v, want needs_qr without retry", got)
	}

	ok, err = db.UpdateAccountState(ctx, a.ID, AccountState{Status: "connecting"}, true)
	if err != nil || !ok {
		t.Fatalf("forced write ok=%v err=%v", ok, err)
	}
}

func TestRecentSyncResultRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, _ := db.ProvisionAccount(ctx, "acme", "1")

	r := RecentSyncResult{OK: false, Threads: 3, Messages: 7, Errors: 1, DurationMs: 420, ErrorMessage: "boom"}
	if err := db.SetRecentSyncResult(ctx, a.ID, 1234, r); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetAccount(ctx, a.ID)
	if got.LastRecentSyncAt != 1234 || got.LastRecentSyncResult == nil || *got.LastRecentSyncResult != r {
		t.Errorf("result = %+v at %d", got.LastRecentSyncResult, got.LastRecentSyncAt)
	}
}

func TestLeaseInsertTakeOverExtend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var ok bool
	err := db.InTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.InsertLease(ctx, Lease{ResourceID: "account/a", HolderID: "w1", Until: 200, AcquiredAt: 100})
		return err
	})
	if err != nil || !ok {
		t.Fatalf("insert ok=%v err=%v", ok, err)
	}

	_ = db.InTx(ctx, func(tx *Tx) error {
		ok, err = tx.InsertLease(ctx, Lease{ResourceID: "account/a", HolderID: "w2", Until: 300, AcquiredAt: 150})
		return err
	})
	if ok {
		t.Error("second insert must not replace the holder")
	}

	_ = db.InTx(ctx, func(tx *Tx) error {
		ok, err = tx.TakeOverLease(ctx, Lease{ResourceID: "account/a", HolderID: "w2", Until: 300, AcquiredAt: 150}, 150)
		return err
	})
	if ok {
		t.Error("take over of a live lease must fail")
	}

	_ = db.InTx(ctx, func(tx *Tx) error {
		ok, err = tx.TakeOverLease(ctx, Lease{ResourceID: "account/a", HolderID: "w2", Until: 400, AcquiredAt: 200}, 200)
		return err
	})
	if !ok {
		t.Error("take over at expiry must succeed")
	}

	_ = db.InTx(ctx, func(tx *Tx) error {
		ok, err = tx.ExtendLease(ctx, "account/a", "w1", 500, 250)
		return err
	})
	if ok {
		t.Error("old holder must not extend")
	}

	l, err := db.GetLease(ctx, "account/a")
	if err != nil || l == nil || l.HolderID != "w2" || l.Until != 400 {
		t.Errorf("lease = %+v err=%v", l, err)
	}
}

func TestEnqueueOutboxIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	e1, created, err := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "peer@s.whatsapp.net", Body: "hi", ClientMessageID: "c1", MaxAttempts: 3})
	if err != nil || !created {
		t.Fatalf("first enqueue created=%v err=%v", created, err)
	}
	if e1.ID != "cm:a:c1" || e1.Status != OutboxQueued || e1.ThreadID != ThreadID("a", "peer@s.whatsapp.net") {
		t.Errorf("entry = %+v", e1)
	}

	e2, created, err := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "peer@s.whatsapp.net", Body: "changed", ClientMessageID: "c1"})
	if err != nil || created {
		t.Fatalf("second enqueue created=%v err=%v", created, err)
	}
	if e2.Body != "hi" {
		t.Errorf("re-enqueue overwrote body: %q", e2.Body)
	}

	// A different id with the same client message id resolves to the same entry.
	e3, created, err := db.EnqueueOutbox(ctx, OutboxEntry{ID: "other", AccountID: "a", ToAddress: "peer@s.whatsapp.net", Body: "x", ClientMessageID: "c1"})
	if err != nil || created || e3.ID != "cm:a:c1" {
		t.Errorf("enqueue by client id: entry=%+v created=%v err=%v", e3, created, err)
	}
}

// TestEnqueueOutboxScopedToAccount covers two accounts reusing the same
// client message id.
func TestEnqueueOutboxScopedToAccount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a, created, err := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "acct-a", ToAddress: "peer-a", Body: "for a", ClientMessageID: "order-42"})
	if err != nil || !created {
		t.Fatalf("enqueue on a: created=%v err=%v", created, err)
	}
	b, created, err := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "acct-b", ToAddress: "peer-b", Body: "for b", ClientMessageID: "order-42"})
	if err != nil || !created {
		t.Fatalf("enqueue on b: created=%v err=%v", created, err)
	}
	if a.ID == b.ID || b.AccountID != "acct-b" || b.Body != "for b" {
		t.Errorf("b = %+v, a = %+v", b, a)
	}

	for _, acct := range []string{"acct-a", "acct-b"} {
		due, err := db.DueOutbox(ctx, acct, time.Now().Add(time.Second).UnixMilli(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 || due[0].AccountID != acct {
			t.Errorf("due(%s) = %+v", acct, due)
		}
	}

	// An explicit id already used by another account is rejected.
	_, _, err = db.EnqueueOutbox(ctx, OutboxEntry{ID: a.ID, AccountID: "acct-b", ToAddress: "peer-b", Body: "x", ClientMessageID: "order-43"})
	if !errors.Is(err, ErrOutboxConflict) {
		t.Errorf("err = %v, want ErrOutboxConflict", err)
	}
}

func TestClaimOutboxSingleWinner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e, _, _ := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "p", Body: "hi", ClientMessageID: "c1", MaxAttempts: 3})

	now := time.Now().UnixMilli()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, holder := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			claimed, err := db.ClaimOutbox(ctx, e.ID, holder, now, now+60_000)
			if err != nil {
				t.Errorf("claim %s: %v", holder, err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(holder)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	got, _ := db.GetOutbox(ctx, e.ID)
	if got.Status != OutboxSending || got.AttemptCount != 1 {
		t.Errorf("entry = %+v, want sending with 1 attempt", got)
	}
}

func TestOutboxOutcomeRequiresHolder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e, _, _ := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "p", Body: "hi", ClientMessageID: "c1"})
	now := time.Now().UnixMilli()
	if _, err := db.ClaimOutbox(ctx, e.ID, "w1", now, now+1000); err != nil {
		t.Fatal(err)
	}

	if ok, _ := db.MarkOutboxSent(ctx, e.ID, "w2", "net-1", now); ok {
		t.Error("non-holder must not complete the entry")
	}
	if ok, _ := db.MarkOutboxSent(ctx, e.ID, "w1", "net-1", now); !ok {
		t.Error("holder must complete the entry")
	}
	if ok, _ := db.FailOutbox(ctx, e.ID, "w1", "late", now); ok {
		t.Error("sent entry must be immutable")
	}

	got, _ := db.GetOutbox(ctx, e.ID)
	if got.Status != OutboxSent || got.NetworkMessageID != "net-1" || got.LeaseHolder != "" {
		t.Errorf("entry = %+v", got)
	}
}

func TestReapStaleOutbox(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	retry, _, _ := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "p", Body: "1", ClientMessageID: "c1", MaxAttempts: 3})
	final, _, _ := db.EnqueueOutbox(ctx, OutboxEntry{AccountID: "a", ToAddress: "p", Body: "2", ClientMessageID: "c2", MaxAttempts: 1})

	if _, err := db.ClaimOutbox(ctx, retry.ID, "w1", 100, 200); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash during an attempt past the limit.
	if _, err := db.ClaimOutbox(ctx, final.ID, "w1", 100, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := db.exec(ctx, `UPDATE outbox SET attempt_count = 2 WHERE id = ?`, final.ID); err != nil {
		t.Fatal(err)
	}

	requeued, failed, err := db.ReapStaleOutbox(ctx, "a", 150)
	if err != nil || requeued != 0 || failed != 0 {
		t.Fatalf("before expiry requeued=%d failed=%d err=%v", requeued, failed, err)
	}

	requeued, failed, err = db.ReapStaleOutbox(ctx, "a", 200)
	if err != nil || requeued != 1 || failed != 1 {
		t.Fatalf("after expiry requeued=%d failed=%d err=%v", requeued, failed, err)
	}
	got, _ := db.GetOutbox(ctx, retry.ID)
	if got.Status != OutboxQueued || got.LeaseHolder != "" {
		t.Errorf("retry entry = %+v", got)
	}
	got, _ = db.GetOutbox(ctx, final.ID)
	if got.Status != OutboxFailed {
		t.Errorf("final entry = %+v", got)
	}
}

func TestInsertMessageIfAbsent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	thread := ThreadID("a", "peer")

	m := &Message{ThreadID: thread, AccountID: "a", NetworkMessageID: "N1", Direction: DirectionIn, Body: "hi", Timestamp: 1000, Source: SourceLive}
	ok, err := db.InsertMessageIfAbsent(ctx, m)
	if err != nil || !ok {
		t.Fatalf("first insert ok=%v err=%v", ok, err)
	}
	dup := &Message{ThreadID: thread, AccountID: "a", NetworkMessageID: "N1", Direction: DirectionIn, Body: "edited", Timestamp: 1000, Source: SourceRecentSync}
	ok, err = db.InsertMessageIfAbsent(ctx, dup)
	if err != nil || ok {
		t.Fatalf("duplicate insert ok=%v err=%v", ok, err)
	}

	// Content fingerprint dedupes messages without network ids.
	fp1 := &Message{ThreadID: thread, AccountID: "a", Direction: DirectionIn, Body: "no id", Timestamp: 5000}
	fp2 := &Message{ThreadID: thread, AccountID: "a", Direction: DirectionIn, Body: " no  id ", Timestamp: 5400}
	if ok, _ := db.InsertMessageIfAbsent(ctx, fp1); !ok {
		t.Error("fingerprint insert failed")
	}
	if ok, _ := db.InsertMessageIfAbsent(ctx, fp2); ok {
		t.Error("same fingerprint inserted twice")
	}

	n, _ := db.CountMessages(ctx, thread)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	msgs, _ := db.ListMessages(ctx, thread, 0, 10)
	if len(msgs) != 2 || msgs[1].Body != "hi" {
		t.Errorf("messages = %+v", msgs)
	}
}

// TestRecordOutboundLinksExistingRow covers a history fetch storing the sent
// message before the outbox worker records it.
func TestRecordOutboundLinksExistingRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	thread := ThreadID("a", "peer")

	if _, err := db.InsertMessageIfAbsent(ctx, &Message{ThreadID: thread, AccountID: "a", NetworkMessageID: "N9", Direction: DirectionOut, Body: "hi", Timestamp: 1000, Source: SourceRecentSync}); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordOutboundMessage(ctx, &Message{ThreadID: thread, AccountID: "a", NetworkMessageID: "N9", ClientMessageID: "c1", Direction: DirectionOut, Body: "hi", Status: "sent", Timestamp: 1001, Source: SourceOutbox}); err != nil {
		t.Fatal(err)
	}

	n, _ := db.CountMessages(ctx, thread)
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	m, err := db.LatestNetworkMessage(ctx, thread)
	if err != nil {
		t.Fatal(err)
	}
	if m.ClientMessageID != "c1" || m.Status != "sent" {
		t.Errorf("message = %+v, want linked client id", m)
	}
}

func TestTouchThreadKeepsNewestPreview(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = db.TouchThread(ctx, "a", "p1", 2000, "newer")
	_ = db.TouchThread(ctx, "a", "p1", 1000, "older")
	_ = db.TouchThread(ctx, "a", "p2", 1500, "middle")
	_ = db.SetThreadName(ctx, "a", "p1", "Alice")

	threads, err := db.RecentThreads(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || threads[0].PeerAddress != "p1" {
		t.Fatalf("threads = %+v", threads)
	}
	if threads[0].LastMessagePreview != "newer" || threads[0].LastMessageAt != 2000 || threads[0].DisplayName != "Alice" {
		t.Errorf("thread = %+v", threads[0])
	}
}

func TestIncidentDedupAndResolve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	inc, opened, err := db.OpenIncident(ctx, "a", "logged_out", map[string]any{"reason": "logged_out"}, "re-pair", 100)
	if err != nil || !opened {
		t.Fatalf("open opened=%v err=%v", opened, err)
	}
	again, opened, err := db.OpenIncident(ctx, "a", "logged_out", map[string]any{"reason": "logged_out"}, "re-pair", 200)
	if err != nil || opened {
		t.Fatalf("refresh opened=%v err=%v", opened, err)
	}
	if again.ID != inc.ID || again.LastCheckedAt != 200 || again.FirstDetectedAt != 100 {
		t.Errorf("refreshed incident = %+v", again)
	}

	if ok, _ := db.ResolveIncident(ctx, "a", "logged_out", 300); !ok {
		t.Error("resolve failed")
	}
	next, opened, _ := db.OpenIncident(ctx, "a", "logged_out", nil, "re-pair", 400)
	if !opened || next.ID == inc.ID {
		t.Error("a resolved incident must not be reopened in place")
	}

	active, _ := db.ListIncidents(ctx, true, 10)
	all, _ := db.ListIncidents(ctx, false, 10)
	if len(active) != 1 || len(all) != 2 {
		t.Errorf("active=%d all=%d, want 1 and 2", len(active), len(all))
	}
}

func TestHeartbeatInsertIfAbsent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	hb := Heartbeat{ID: "w1@2026-01-01T00:00:00Z", InstanceID: "w1", Timestamp: 1, UptimeSec: 5, ConnectedCount: 2, Build: "dev"}

	if ok, _ := db.InsertHeartbeat(ctx, hb); !ok {
		t.Error("first heartbeat not written")
	}
	if ok, _ := db.InsertHeartbeat(ctx, hb); ok {
		t.Error("duplicate heartbeat written")
	}
	n, _ := db.CountHeartbeats(ctx, "w1")
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
