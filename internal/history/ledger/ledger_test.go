package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// testLedger opens a ledger in a temp directory
func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpen_CreatesTables(t *testing.T) {
	l := testLedger(t)

	for _, table := range []string{"sync_state", "sync_attempts", "ledger_meta"} {
		var count int
		err := l.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	// Idempotent
	if err := l.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestRecordAttempt_TracksLatestState(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	attempts := []Attempt{
		{ConversationID: "c1", ContentHash: "h1", SourcePath: "/h/conversation-c1.json",
			State: StateFailedRetryable, Error: "remote store unreachable", At: base},
		{ConversationID: "c1", ContentHash: "h1", State: StateSynced, Duration: 40 * time.Millisecond,
			At: base.Add(time.Minute)},
	}
	for _, a := range attempts {
		if err := l.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt() failed: %v", err)
		}
	}

	e, err := l.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if e == nil {
		t.Fatal("Get() returned nil entry")
	}
	if e.State != StateSynced {
		t.Errorf("state = %s, want %s", e.State, StateSynced)
	}
	if e.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", e.Attempts)
	}
	if e.LastError != "" {
		t.Errorf("lastError = %q, want empty", e.LastError)
	}
	if e.SourcePath != "/h/conversation-c1.json" {
		t.Errorf("sourcePath = %q, want it kept from the first attempt", e.SourcePath)
	}
	if e.LastSyncedAt == nil || !e.LastSyncedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("lastSyncedAt = %v, want %v", e.LastSyncedAt, base.Add(time.Minute))
	}

	history, err := l.Attempts(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Attempts() failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d attempts, want 2", len(history))
	}
	if history[0].State != StateSynced || history[1].State != StateFailedRetryable {
		t.Errorf("attempts not newest first: %v, %v", history[0].State, history[1].State)
	}
	if history[0].ID == history[1].ID || history[0].ID == "" {
		t.Errorf("attempt ids should be unique, got %q and %q", history[0].ID, history[1].ID)
	}
	if history[0].Duration != 40*time.Millisecond {
		t.Errorf("duration = %v, want 40ms", history[0].Duration)
	}

	limited, _ := l.Attempts(ctx, "c1", 1)
	if len(limited) != 1 {
		t.Errorf("Attempts(limit=1) returned %d rows", len(limited))
	}
}

func TestRecordAttempt_FailureKeepsLastSyncedAt(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "c1", ContentHash: "h1", State: StateSynced, At: base})
	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "c1", ContentHash: "h2", State: StateFailedFatal,
		Error: "not authorized", At: base.Add(time.Hour)})

	e, err := l.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if e.State != StateFailedFatal {
		t.Errorf("state = %s, want %s", e.State, StateFailedFatal)
	}
	if e.LastSyncedAt == nil || !e.LastSyncedAt.Equal(base) {
		t.Errorf("lastSyncedAt = %v, want %v", e.LastSyncedAt, base)
	}
}

func TestRecordAttempt_RequiresID(t *testing.T) {
	l := testLedger(t)
	if err := l.RecordAttempt(context.Background(), Attempt{State: StateSynced}); err == nil {
		t.Error("RecordAttempt() without id should fail")
	}
}

func TestGet_Unknown(t *testing.T) {
	l := testLedger(t)
	e, err := l.Get(context.Background(), "never")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if e != nil {
		t.Errorf("Get() = %+v, want nil", e)
	}
}

func TestNeedsSync(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "synced", ContentHash: "h1", State: StateSynced})
	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "failed", ContentHash: "h1", State: StateFailedRetryable})

	tests := []struct {
		id   string
		hash string
		want bool
	}{
		{"synced", "h1", false},
		{"synced", "h2", true},
		{"failed", "h1", true},
		{"never", "h1", true},
	}
	for _, tt := range tests {
		got, err := l.NeedsSync(ctx, tt.id, tt.hash)
		if err != nil {
			t.Fatalf("NeedsSync(%s) failed: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("NeedsSync(%s, %s) = %v, want %v", tt.id, tt.hash, got, tt.want)
		}
	}
}

func TestListByStateAndCounts(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "b", ContentHash: "h", State: StateFailedRetryable, At: base.Add(time.Second)})
	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "a", ContentHash: "h", State: StateFailedRetryable, At: base})
	_ = l.RecordAttempt(ctx, Attempt{ConversationID: "c", ContentHash: "h", State: StateSynced, At: base})

	pending, err := l.ListByState(ctx, StateFailedRetryable)
	if err != nil {
		t.Fatalf("ListByState() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].ConversationID != "a" || pending[1].ConversationID != "b" {
		t.Errorf("order = [%s %s], want [a b]", pending[0].ConversationID, pending[1].ConversationID)
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts[StateSynced] != 1 || counts[StateFailedRetryable] != 2 || counts[StateFailedFatal] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestBindTable_RequeuesSyncedRowsOnNewTable(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if n, err := l.BindTable(ctx, "table-0001"); err != nil || n != 0 {
		t.Fatalf("BindTable() on empty ledger = %d, %v; want 0, nil", n, err)
	}
	for _, a := range []Attempt{
		{ConversationID: "c1", ContentHash: "h1", State: StateSynced},
		{ConversationID: "c2", ContentHash: "h2", State: StateSynced},
		{ConversationID: "c3", ContentHash: "h3", State: StateFailedFatal, Error: "item too large"},
	} {
		if err := l.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt() failed: %v", err)
		}
	}

	// Same table: nothing changes.
	if n, err := l.BindTable(ctx, "table-0001"); err != nil || n != 0 {
		t.Fatalf("BindTable() same identity = %d, %v; want 0, nil", n, err)
	}
	if needs, _ := l.NeedsSync(ctx, "c1", "h1"); needs {
		t.Error("c1 should not need sync while the table is unchanged")
	}

	n, err := l.BindTable(ctx, "table-0002")
	if err != nil {
		t.Fatalf("BindTable() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("re-queued %d sessions, want 2", n)
	}
	for _, id := range []string{"c1", "c2"} {
		e, err := l.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if e.State != StateFailedRetryable {
			t.Errorf("%s state = %s, want %s", id, e.State, StateFailedRetryable)
		}
		if e.LastSyncedAt == nil {
			t.Errorf("%s lost its last synced time", id)
		}
	}
	if e, _ := l.Get(ctx, "c3"); e.State != StateFailedFatal {
		t.Errorf("c3 state = %s, want it left as %s", e.State, StateFailedFatal)
	}
	if needs, _ := l.NeedsSync(ctx, "c1", "h1"); !needs {
		t.Error("c1 should need sync after the table was replaced")
	}

	got, err := l.TableIdentity(ctx)
	if err != nil {
		t.Fatalf("TableIdentity() failed: %v", err)
	}
	if got != "table-0002" {
		t.Errorf("TableIdentity() = %q, want %q", got, "table-0002")
	}
}

func TestBindTable_RejectsEmptyIdentity(t *testing.T) {
	l := testLedger(t)
	if _, err := l.BindTable(context.Background(), ""); err == nil {
		t.Error("expected error for empty identity")
	}
}
