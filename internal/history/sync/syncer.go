package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/ledger"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// Store is the remote side of the sync. *db.DB implements it.
type Store interface {
	CheckConnectivity(ctx context.Context) bool
	EnsureTable(ctx context.Context) (string, error)
	DescribeIdentity(ctx context.Context) (string, error)
	PutSession(ctx context.Context, s *schema.Session) error
	GetSession(ctx context.Context, id string) (*schema.Session, bool, error)
}

// Options configures a Syncer.
type Options struct {
	// Store is required.
	Store Store

	// Archive is the local session collection. Required for FullSync.
	Archive *archive.Archive

	// Ledger records attempts; nil disables change detection and
	// RetryPending.
	Ledger *ledger.Ledger

	// Notifier receives sync events. Optional.
	Notifier Notifier

	// AutoProvision creates the table before the first write and again if
	// a write finds it missing.
	AutoProvision bool

	// WritesPerSecond caps the write rate. Zero means unlimited.
	WritesPerSecond float64

	// Verify reads each session back after writing it.
	Verify bool

	// Verbose logs every successful write, not just failures and totals.
	Verbose bool

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger
}

// syncer implements the Syncer interface.
type syncer struct {
	store    Store
	archive  *archive.Archive
	ledger   *ledger.Ledger
	notifier Notifier
	limiter  *rate.Limiter
	opts     Options
	logger   *log.Logger

	prepared atomic.Bool
	flight   singleflight.Group
}

// New creates a new Syncer instance.
//
// Example:
//
//	store, err := db.Open(ctx, db.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	syncer := sync.New(sync.Options{
//	    Store:         store,
//	    Archive:       archive.New("history", nil),
//	    AutoProvision: true,
//	})
func New(opts Options) Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	limit := rate.Inf
	if opts.WritesPerSecond > 0 {
		limit = rate.Limit(opts.WritesPerSecond)
	}

	return &syncer{
		store:    opts.Store,
		archive:  opts.Archive,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		logger:   logger,
	}
}

// CheckConnectivity implements Syncer.CheckConnectivity.
func (s *syncer) CheckConnectivity(ctx context.Context) bool {
	return s.store.CheckConnectivity(ctx)
}

// Prepare implements Syncer.Prepare.
func (s *syncer) Prepare(ctx context.Context) error {
	if s.prepared.Load() {
		return nil
	}

	_, err, _ := s.flight.Do("prepare", func() (interface{}, error) {
		if s.prepared.Load() {
			return nil, nil
		}
		if !s.store.CheckConnectivity(ctx) {
			s.logger.Printf("Store probe failed, provisioning anyway")
		}
		identity, err := s.store.EnsureTable(ctx)
		if err != nil {
			provisionTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		provisionTotal.WithLabelValues("ok").Inc()
		s.bindLedger(ctx, identity)
		s.prepared.Store(true)
		return nil, nil
	})
	return err
}

// bindLedger points the ledger at the table with the given identity and
// reports whether its synced rows can be used to skip writes. Rows synced
// to an earlier table with the same name are queued for rewrite.
func (s *syncer) bindLedger(ctx context.Context, identity string) bool {
	if s.ledger == nil {
		return false
	}
	if identity == "" {
		// Nothing to compare against.
		return true
	}
	n, err := s.ledger.BindTable(ctx, identity)
	if err != nil {
		s.logger.Printf("WARNING: failed to record table identity: %v", err)
		return false
	}
	if n > 0 {
		s.logger.Printf("Remote table was re-created, %d session(s) queued for rewrite", n)
	}
	return true
}

// checkTable binds the ledger to the live table without provisioning it.
// When the table cannot be identified the ledger is not trusted.
func (s *syncer) checkTable(ctx context.Context) bool {
	identity, err := s.store.DescribeIdentity(ctx)
	if err != nil {
		s.logger.Printf("WARNING: could not identify the remote table, writing every session: %v", err)
		return false
	}
	return s.bindLedger(ctx, identity)
}

// SyncSession implements Syncer.SyncSession.
func (s *syncer) SyncSession(ctx context.Context, session *schema.Session) error {
	return s.syncSession(ctx, session, "")
}

// SyncFile implements Syncer.SyncFile.
func (s *syncer) SyncFile(ctx context.Context, path string) error {
	session, err := schema.ReadSessionFile(path)
	if err != nil {
		return &history.Error{Op: "read", Kind: history.ErrValidation, Err: err}
	}
	return s.syncSession(ctx, session, path)
}

// GetSession implements Syncer.GetSession.
func (s *syncer) GetSession(ctx context.Context, id string) (*schema.Session, bool, error) {
	return s.store.GetSession(ctx, id)
}

func (s *syncer) syncSession(ctx context.Context, session *schema.Session, path string) error {
	start := time.Now()

	c := session.Clone()
	c.SetDefaults()
	hash, _ := c.ContentHash()

	if err := c.Validate(); err != nil {
		syncAttempts.WithLabelValues(outcomeValidation).Inc()
		s.finish(ctx, c, hash, path, start, err)
		return err
	}

	err := s.write(ctx, c)
	if err == nil && s.opts.Verify {
		s.verify(ctx, c, hash)
	}

	switch {
	case err == nil:
		syncAttempts.WithLabelValues(outcomeSynced).Inc()
		syncDuration.Observe(time.Since(start).Seconds())
	case history.IsRetryable(err):
		syncAttempts.WithLabelValues(outcomeRetryable).Inc()
	default:
		syncAttempts.WithLabelValues(outcomeFatal).Inc()
	}

	s.finish(ctx, c, hash, path, start, err)
	return err
}

// write provisions if needed and puts the session, retrying once when the
// table turns out to be missing.
func (s *syncer) write(ctx context.Context, c *schema.Session) error {
	if s.opts.AutoProvision {
		if err := s.Prepare(ctx); err != nil {
			return err
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &history.Error{Op: "put", ConversationID: c.ConversationID, Kind: history.ErrConnectivity, Err: err}
	}

	err := s.store.PutSession(ctx, c)
	if !errors.Is(err, history.ErrTableNotFound) || !s.opts.AutoProvision {
		return err
	}

	s.logger.Printf("Table missing while writing %s, provisioning again", c.ConversationID)
	s.prepared.Store(false)
	if err := s.Prepare(ctx); err != nil {
		return err
	}
	return s.store.PutSession(ctx, c)
}

// verify reads the session back. Mismatches are logged, not returned: the
// write itself succeeded and a concurrent writer may have replaced it.
func (s *syncer) verify(ctx context.Context, c *schema.Session, hash string) {
	got, found, err := s.store.GetSession(ctx, c.ConversationID)
	switch {
	case err != nil:
		s.logger.Printf("WARNING: could not verify %s: %v", c.ConversationID, err)
	case !found:
		s.logger.Printf("WARNING: %s not found right after writing it", c.ConversationID)
	default:
		if gotHash, _ := got.ContentHash(); gotHash != hash {
			s.logger.Printf("WARNING: %s read back a different snapshot (concurrent writer?)", c.ConversationID)
		}
	}
}

// finish records the attempt in the ledger and notifies listeners.
func (s *syncer) finish(ctx context.Context, c *schema.Session, hash, path string, start time.Time, err error) {
	took := time.Since(start)

	if s.ledger != nil && c.ConversationID != "" {
		a := ledger.Attempt{
			ConversationID: c.ConversationID,
			ContentHash:    hash,
			SourcePath:     path,
			State:          stateOf(err),
			Duration:       took,
		}
		if err != nil {
			a.Error = err.Error()
		}
		if lerr := s.ledger.RecordAttempt(ctx, a); lerr != nil {
			s.logger.Printf("WARNING: failed to record attempt for %s: %v", c.ConversationID, lerr)
		}
	}

	if err != nil {
		s.logger.Printf("WARNING: Failed to sync %s: %v", c.ConversationID, err)
		if s.notifier != nil {
			s.notifier.OnSyncFailed(c.ConversationID, err)
		}
		return
	}

	if s.opts.Verbose {
		s.logger.Printf("Synced session: %s (%s, %d messages)", c.ConversationID, c.Title, len(c.Messages))
	}
	if s.notifier != nil {
		s.notifier.OnSessionSynced(c.Summary(), took)
	}
}

// stateOf maps a sync result to a ledger state. A provisioning run that
// gave up because the store was unreachable is fatal to the caller but still
// pending for RetryPending.
func stateOf(err error) ledger.State {
	switch {
	case err == nil:
		return ledger.StateSynced
	case history.IsRetryable(err), errors.Is(err, history.ErrConnectivity):
		return ledger.StateFailedRetryable
	default:
		return ledger.StateFailedFatal
	}
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(ctx context.Context, opts FullSyncOptions) (*Report, error) {
	if s.archive == nil {
		return nil, fmt.Errorf("full sync requires an archive")
	}
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		if s.notifier != nil {
			s.notifier.OnSyncComplete(report)
		}
	}()

	s.logger.Printf("Starting full sync from %s", s.archive.Dir())

	entries, unreadable, err := s.archive.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Unreadable = unreadable

	if s.opts.AutoProvision && len(entries) > 0 {
		if err := s.Prepare(ctx); err != nil {
			return report, err
		}
	}

	// The ledger only says what was written to some table; skip nothing
	// unless that is still the live one.
	skipUnchanged := !opts.Force && s.ledger != nil && len(entries) > 0 && s.checkTable(ctx)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		session, path := entry.Session, entry.Path
		report.Total++

		if skipUnchanged {
			hash, _ := session.ContentHash()
			needs, err := s.ledger.NeedsSync(ctx, session.ConversationID, hash)
			if err != nil {
				s.logger.Printf("WARNING: ledger lookup failed for %s: %v", session.ConversationID, err)
			}
			if !needs {
				report.Skipped++
				syncAttempts.WithLabelValues(outcomeSkipped).Inc()
				continue
			}
		}

		if err := s.syncSession(ctx, session, path); err != nil {
			report.add(session.ConversationID, path, err)
			if errors.Is(err, history.ErrAuthorization) {
				return report, err
			}
			continue
		}
		report.Synced++
	}

	s.logger.Printf("Full sync complete: total=%d synced=%d skipped=%d failed=%d unreadable=%d",
		report.Total, report.Synced, report.Skipped, report.Failed(), report.Unreadable)
	return report, nil
}

// RetryPending implements Syncer.RetryPending.
func (s *syncer) RetryPending(ctx context.Context) (*Report, error) {
	report := &Report{}
	if s.ledger == nil {
		return report, nil
	}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	pending, err := s.ledger.ListByState(ctx, ledger.StateFailedRetryable)
	if err != nil {
		return report, err
	}
	if len(pending) == 0 {
		return report, nil
	}
	s.logger.Printf("Retrying %d pending session(s)", len(pending))

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		session, path := s.reload(ctx, entry)
		if session == nil {
			s.logger.Printf("Warning: %s is no longer in the archive, skipping", entry.ConversationID)
			continue
		}
		report.Total++

		if err := s.syncSession(ctx, session, path); err != nil {
			report.add(entry.ConversationID, path, err)
			if errors.Is(err, history.ErrAuthorization) {
				return report, err
			}
			continue
		}
		report.Synced++
	}
	return report, nil
}

// reload re-reads a pending session, preferring the file it came from.
func (s *syncer) reload(ctx context.Context, e *ledger.Entry) (*schema.Session, string) {
	if e.SourcePath != "" {
		if session, err := schema.ReadSessionFile(e.SourcePath); err == nil && session.ConversationID == e.ConversationID {
			return session, e.SourcePath
		}
	}
	if s.archive == nil {
		return nil, ""
	}
	session, found, err := s.archive.Get(ctx, e.ConversationID)
	if err != nil || !found {
		return nil, ""
	}
	return session, e.SourcePath
}

func (r *Report) add(id, path string, err error) {
	r.Failures = append(r.Failures, Failure{ConversationID: id, Path: path, Err: err})
	if history.IsRetryable(err) {
		r.Retryable++
	} else {
		r.Fatal++
	}
}
