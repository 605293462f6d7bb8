package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/db"
	"github.com/beffjarker/jouster/internal/history/db/dbtest"
	"github.com/beffjarker/jouster/internal/history/ledger"
	"github.com/beffjarker/jouster/internal/history/schema"
)

const testTable = "sessions-test"

type testEnv struct {
	fake   *dbtest.Fake
	store  *db.DB
	ledger *ledger.Ledger
	dir    string
	logs   *bytes.Buffer
	events *recorder
	syncer Syncer
}

// setupTest wires a syncer to an in-memory store, a temp archive and a
// temp ledger.
func setupTest(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	env := &testEnv{
		fake:   dbtest.NewFake(),
		dir:    filepath.Join(tmpDir, "history"),
		logs:   &bytes.Buffer{},
		events: &recorder{},
	}
	logger := log.New(env.logs, "", 0)

	cfg := db.DefaultConfig()
	cfg.Table = testTable
	cfg.ProvisionRetries = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond
	cfg.Logger = logger
	env.store = db.New(env.fake, cfg)

	l, err := ledger.Open(filepath.Join(tmpDir, "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	env.ledger = l

	opts := Options{
		Store:         env.store,
		Archive:       archive.New(env.dir, logger),
		Ledger:        l,
		Notifier:      env.events,
		AutoProvision: true,
		Logger:        logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.syncer = New(opts)
	return env
}

func (e *testEnv) writeSession(t *testing.T, s *schema.Session) string {
	t.Helper()
	if err := schema.WriteSessionFile(e.dir, s); err != nil {
		t.Fatalf("failed to write session: %v", err)
	}
	return filepath.Join(e.dir, s.Filename())
}

func newSession(id string, offset time.Duration) *schema.Session {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Add(offset)
	return &schema.Session{
		ConversationID: id,
		Title:          "Session " + id,
		StartTime:      start,
		Messages: []schema.Message{
			{Role: "user", Content: "Add a contact form", Timestamp: start},
			{Role: "assistant", Content: "Done", Timestamp: start.Add(5 * time.Second)},
		},
	}
}

// recorder is a Notifier that remembers events.
type recorder struct {
	mu        gosync.Mutex
	synced    []string
	failed    []string
	completed int
}

func (r *recorder) OnSessionSynced(s schema.Summary, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, s.ConversationID)
}

func (r *recorder) OnSyncFailed(id string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, id)
}

func (r *recorder) OnSyncComplete(*Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func TestSyncSession_RoundTrip(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	in := newSession("c1", 0)
	if err := env.syncer.SyncSession(ctx, in); err != nil {
		t.Fatalf("SyncSession() failed: %v", err)
	}

	got, found, err := env.syncer.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if !found {
		t.Fatal("GetSession() found = false after sync")
	}

	want := in.Clone()
	want.SetDefaults()
	wantHash, _ := want.ContentHash()
	gotHash, _ := got.ContentHash()
	if gotHash != wantHash {
		t.Errorf("round trip changed the session:\n got  %+v\n want %+v", got, want)
	}
	if in.Project != "" {
		t.Error("SyncSession() modified its input")
	}
	if len(env.events.synced) != 1 {
		t.Errorf("got %d synced events, want 1", len(env.events.synced))
	}
}

func TestSyncSession_Idempotent(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	s := newSession("c1", 0)
	for i := 0; i < 3; i++ {
		if err := env.syncer.SyncSession(ctx, s); err != nil {
			t.Fatalf("SyncSession() #%d failed: %v", i+1, err)
		}
	}

	if n := env.fake.ItemCount(testTable); n != 1 {
		t.Errorf("item count = %d, want 1", n)
	}
}

func TestSyncSession_SupersedingWrite(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	a := newSession("c1", 0)
	b := newSession("c1", 0)
	b.Title = "Second version"
	b.Messages = b.Messages[:1]

	if err := env.syncer.SyncSession(ctx, a); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if err := env.syncer.SyncSession(ctx, b); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	got, _, err := env.syncer.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Title != "Second version" || len(got.Messages) != 1 {
		t.Errorf("got %q with %d messages, want the second version with 1", got.Title, len(got.Messages))
	}
}

func TestSyncSession_ValidationFailsFast(t *testing.T) {
	tests := []struct {
		name    string
		session *schema.Session
	}{
		{"missing id", &schema.Session{Title: "x", StartTime: time.Now()}},
		{"missing startTime", &schema.Session{ConversationID: "c1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, nil)

			err := env.syncer.SyncSession(context.Background(), tt.session)
			if !history.IsValidation(err) {
				t.Fatalf("SyncSession() error = %v, want validation error", err)
			}
			for _, op := range []string{dbtest.OpDescribeTable, dbtest.OpCreateTable, dbtest.OpPutItem} {
				if n := env.fake.Calls(op); n != 0 {
					t.Errorf("%s called %d times, want 0", op, n)
				}
			}
		})
	}
}

func TestSyncSession_Unreachable(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.AutoProvision = false })
	ctx := context.Background()
	env.fake.AddTable(testTable, db.KeyAttribute, "S")
	env.fake.SetUnreachable(true)

	if env.syncer.CheckConnectivity(ctx) {
		t.Error("CheckConnectivity() = true while unreachable")
	}

	err := env.syncer.SyncSession(ctx, newSession("c1", 0))
	if !history.IsRetryable(err) {
		t.Fatalf("SyncSession() error = %v, want retryable", err)
	}

	e, err := env.ledger.Get(ctx, "c1")
	if err != nil || e == nil {
		t.Fatalf("ledger.Get() = %v, %v", e, err)
	}
	if e.State != ledger.StateFailedRetryable {
		t.Errorf("ledger state = %s, want %s", e.State, ledger.StateFailedRetryable)
	}
}

func TestSyncSession_AuthorizationIsFatal(t *testing.T) {
	env := setupTest(t, nil)
	env.fake.FailNext(dbtest.OpPutItem, dbtest.AccessDeniedError())

	err := env.syncer.SyncSession(context.Background(), newSession("c1", 0))
	if !errors.Is(err, history.ErrAuthorization) {
		t.Fatalf("SyncSession() error = %v, want ErrAuthorization", err)
	}
	if history.IsRetryable(err) {
		t.Error("authorization errors must not be retryable")
	}
	if history.ExitCode(err) != history.ExitFatal {
		t.Errorf("ExitCode() = %d, want %d", history.ExitCode(err), history.ExitFatal)
	}
}

func TestPrepare_ProvisionsOncePerProcess(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	if err := env.syncer.SyncSession(ctx, newSession("c1", 0)); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	describes := env.fake.Calls(dbtest.OpDescribeTable)

	if err := env.syncer.SyncSession(ctx, newSession("c2", 0)); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if n := env.fake.Calls(dbtest.OpCreateTable); n != 1 {
		t.Errorf("CreateTable called %d times, want 1", n)
	}
	if n := env.fake.Calls(dbtest.OpDescribeTable); n != describes {
		t.Errorf("DescribeTable calls grew from %d to %d on the warm path", describes, n)
	}
}

func TestPrepare_ConcurrentCallersShareOneAttempt(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	var wg gosync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.syncer.SyncSession(ctx, newSession(fmt.Sprintf("c%d", i), 0))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("sync %d failed: %v", i, err)
		}
	}
	if n := env.fake.Calls(dbtest.OpCreateTable); n != 1 {
		t.Errorf("CreateTable called %d times, want 1", n)
	}
	if n := env.fake.ItemCount(testTable); n != len(errs) {
		t.Errorf("item count = %d, want %d", n, len(errs))
	}
}

func TestSyncSession_ReprovisionsMissingTable(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	if err := env.syncer.SyncSession(ctx, newSession("c1", 0)); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	env.fake.DeleteTable(testTable)

	if err := env.syncer.SyncSession(ctx, newSession("c2", 0)); err != nil {
		t.Fatalf("sync after table loss failed: %v", err)
	}
	if n := env.fake.Calls(dbtest.OpCreateTable); n != 2 {
		t.Errorf("CreateTable called %d times, want 2", n)
	}
}

func TestSyncSession_WithoutAutoProvision(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.AutoProvision = false })

	err := env.syncer.SyncSession(context.Background(), newSession("c1", 0))
	if !errors.Is(err, history.ErrTableNotFound) {
		t.Fatalf("SyncSession() error = %v, want ErrTableNotFound", err)
	}
	if env.fake.HasTable(testTable) {
		t.Error("table created without AutoProvision")
	}
}

func TestSyncSession_Verify(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.Verify = true })

	if err := env.syncer.SyncSession(context.Background(), newSession("c1", 0)); err != nil {
		t.Fatalf("SyncSession() failed: %v", err)
	}
	if n := env.fake.Calls(dbtest.OpGetItem); n != 1 {
		t.Errorf("GetItem called %d times, want 1", n)
	}
	for _, warning := range []string{"could not verify", "right after writing", "different snapshot"} {
		if bytes.Contains(env.logs.Bytes(), []byte(warning)) {
			t.Errorf("unexpected verification warning: %s", env.logs.String())
		}
	}
}

func TestSyncFile(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	path := env.writeSession(t, newSession("c1", 0))
	if err := env.syncer.SyncFile(ctx, path); err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	e, _ := env.ledger.Get(ctx, "c1")
	if e == nil || e.SourcePath != path {
		t.Errorf("ledger source path = %v, want %s", e, path)
	}

	bad := filepath.Join(env.dir, "conversation-bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := env.syncer.SyncFile(ctx, bad); !history.IsValidation(err) {
		t.Errorf("SyncFile(bad) error = %v, want validation error", err)
	}
}

func TestFullSync(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	env.writeSession(t, newSession("c2", time.Hour))
	env.writeSession(t, newSession("c3", 2*time.Hour))
	if err := os.WriteFile(filepath.Join(env.dir, "conversation-broken.json"), []byte(`{"conversationId":`), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if report.Total != 3 || report.Synced != 3 || report.Unreadable != 1 || report.Failed() != 0 {
		t.Errorf("first run report = %+v", report)
	}

	// Unchanged sessions are skipped on the next run.
	report, err = env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("second FullSync() failed: %v", err)
	}
	if report.Skipped != 3 || report.Synced != 0 {
		t.Errorf("second run report = %+v, want 3 skipped", report)
	}

	// An edited session is synced again.
	edited := newSession("c2", time.Hour)
	edited.Messages = append(edited.Messages, schema.Message{Role: "user", Content: "one more"})
	env.writeSession(t, edited)
	report, _ = env.syncer.FullSync(ctx, FullSyncOptions{})
	if report.Synced != 1 || report.Skipped != 2 {
		t.Errorf("third run report = %+v, want 1 synced and 2 skipped", report)
	}

	report, _ = env.syncer.FullSync(ctx, FullSyncOptions{Force: true})
	if report.Synced != 3 {
		t.Errorf("forced run synced %d, want 3", report.Synced)
	}

	if env.events.completed != 4 {
		t.Errorf("got %d completion events, want 4", env.events.completed)
	}
}

func TestFullSync_ContinuesPastFailures(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	env.writeSession(t, newSession("c2", time.Hour))
	env.writeSession(t, &schema.Session{ConversationID: "no-start"})

	if err := env.syncer.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	env.fake.FailNext(dbtest.OpPutItem, dbtest.ThrottlingError())

	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if report.Synced != 1 || report.Retryable != 1 || report.Fatal != 1 {
		t.Errorf("report = %+v, want 1 synced, 1 retryable, 1 fatal", report)
	}
	if len(report.Failures) != 2 {
		t.Errorf("got %d failures, want 2", len(report.Failures))
	}
}

func TestFullSync_StopsOnAuthorizationFailure(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	env.writeSession(t, newSession("c2", time.Hour))

	if err := env.syncer.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	env.fake.FailNext(dbtest.OpPutItem, dbtest.AccessDeniedError())

	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if !errors.Is(err, history.ErrAuthorization) {
		t.Fatalf("FullSync() error = %v, want ErrAuthorization", err)
	}
	if report.Total != 1 {
		t.Errorf("processed %d sessions, want to stop after 1", report.Total)
	}
}

func TestFullSync_ProvisionFailure(t *testing.T) {
	env := setupTest(t, nil)
	env.writeSession(t, newSession("c1", 0))
	env.fake.SetUnreachable(true)

	_, err := env.syncer.FullSync(context.Background(), FullSyncOptions{})
	if !errors.Is(err, history.ErrProvision) {
		t.Fatalf("FullSync() error = %v, want ErrProvision", err)
	}
}

func TestRetryPending(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	env.writeSession(t, newSession("c2", time.Hour))
	if err := env.syncer.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}

	env.fake.SetUnreachable(true)
	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if report.Retryable != 2 {
		t.Fatalf("report = %+v, want 2 retryable", report)
	}

	env.fake.SetUnreachable(false)
	report, err = env.syncer.RetryPending(ctx)
	if err != nil {
		t.Fatalf("RetryPending() failed: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("RetryPending() synced %d, want 2", report.Synced)
	}

	pending, _ := env.ledger.ListByState(ctx, ledger.StateFailedRetryable)
	if len(pending) != 0 {
		t.Errorf("%d sessions still pending", len(pending))
	}
}

func TestRetryPending_NoLedger(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.Ledger = nil })

	report, err := env.syncer.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("RetryPending() failed: %v", err)
	}
	if report.Total != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestFullSync_RequiresArchive(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.Archive = nil })
	if _, err := env.syncer.FullSync(context.Background(), FullSyncOptions{}); err == nil {
		t.Error("FullSync() without archive should fail")
	}
}

// restart returns a new syncer over the same store, archive and ledger, as
// a later process would see them.
func (e *testEnv) restart(mutate func(*Options)) Syncer {
	logger := log.New(e.logs, "", 0)
	opts := Options{
		Store:         e.store,
		Archive:       archive.New(e.dir, logger),
		Ledger:        e.ledger,
		AutoProvision: true,
		Logger:        logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func TestFullSync_RewritesAfterTableRecreated(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	env.writeSession(t, newSession("c2", time.Hour))
	if report, err := env.syncer.FullSync(ctx, FullSyncOptions{}); err != nil || report.Synced != 2 {
		t.Fatalf("first FullSync() = %+v, %v", report, err)
	}

	// The table is dropped between runs, e.g. DynamoDB Local restarted
	// in memory.
	env.fake.DeleteTable(testTable)

	report, err := env.restart(nil).FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() after table loss failed: %v", err)
	}
	if report.Synced != 2 || report.Skipped != 0 {
		t.Errorf("report = %+v, want 2 synced and 0 skipped", report)
	}
	for _, id := range []string{"c1", "c2"} {
		if _, found, err := env.store.GetSession(ctx, id); err != nil || !found {
			t.Errorf("%s missing from the new table (found=%v, err=%v)", id, found, err)
		}
	}

	// Once the new table has everything, unchanged sessions are skipped again.
	report, err = env.restart(nil).FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("third FullSync() failed: %v", err)
	}
	if report.Skipped != 2 {
		t.Errorf("third run report = %+v, want 2 skipped", report)
	}
}

func TestFullSync_TableRecreatedByAnotherProcess(t *testing.T) {
	env := setupTest(t, func(o *Options) { o.AutoProvision = false })
	ctx := context.Background()

	if _, err := env.store.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable() failed: %v", err)
	}
	env.writeSession(t, newSession("c1", 0))
	if report, err := env.syncer.FullSync(ctx, FullSyncOptions{}); err != nil || report.Synced != 1 {
		t.Fatalf("first FullSync() = %+v, %v", report, err)
	}

	env.fake.DeleteTable(testTable)
	if _, err := env.store.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable() failed: %v", err)
	}

	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("report = %+v, want c1 written to the new table", report)
	}
	if n := env.fake.ItemCount(testTable); n != 1 {
		t.Errorf("item count = %d, want 1", n)
	}
}

func TestSyncSession_TableLossQueuesEarlierSessions(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	if _, err := env.syncer.FullSync(ctx, FullSyncOptions{}); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	env.fake.DeleteTable(testTable)

	// This write re-provisions; c1 went to the old table.
	if err := env.syncer.SyncSession(ctx, newSession("c2", time.Hour)); err != nil {
		t.Fatalf("SyncSession() failed: %v", err)
	}
	e, err := env.ledger.Get(ctx, "c1")
	if err != nil || e == nil {
		t.Fatalf("ledger.Get() = %v, %v", e, err)
	}
	if e.State != ledger.StateFailedRetryable {
		t.Errorf("c1 state = %s, want %s", e.State, ledger.StateFailedRetryable)
	}

	report, err := env.syncer.RetryPending(ctx)
	if err != nil {
		t.Fatalf("RetryPending() failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("RetryPending() synced %d, want 1", report.Synced)
	}
	if n := env.fake.ItemCount(testTable); n != 2 {
		t.Errorf("item count = %d, want 2", n)
	}
}

func TestFullSync_UnidentifiedTableWritesEverything(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.writeSession(t, newSession("c1", 0))
	if _, err := env.syncer.FullSync(ctx, FullSyncOptions{}); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}

	env.fake.FailNext(dbtest.OpDescribeTable, dbtest.ThrottlingError())
	report, err := env.syncer.FullSync(ctx, FullSyncOptions{})
	if err != nil {
		t.Fatalf("second FullSync() failed: %v", err)
	}
	if report.Synced != 1 || report.Skipped != 0 {
		t.Errorf("report = %+v, want the ledger ignored", report)
	}
}
