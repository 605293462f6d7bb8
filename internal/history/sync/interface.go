package sync

import (
	"context"
	"time"

	"github.com/beffjarker/jouster/internal/history/schema"
)

// Syncer reconciles the local session archive with the remote store.
//
// It is the only component that reads the archive and writes the store.
// Every method is an independent unit: calls for different conversation ids
// need no coordination, and calls for the same id race under last-write-wins.
type Syncer interface {
	// CheckConnectivity reports whether the store answers within its probe
	// timeout. It never fails and has no side effects.
	CheckConnectivity(ctx context.Context) bool

	// Prepare probes the store and provisions the table. Provisioning runs
	// at most once per process on success; concurrent callers share the
	// same attempt. A failed attempt is not remembered.
	Prepare(ctx context.Context) error

	// SyncSession validates s and writes it to the store as a full
	// snapshot. Validation failures return an ErrValidation error before
	// any remote call. s is not modified.
	//
	// Example:
	//   err := syncer.SyncSession(ctx, session)
	//   if history.IsRetryable(err) {
	//       // try again later with the same value
	//   }
	SyncSession(ctx context.Context, s *schema.Session) error

	// SyncFile reads a session file and syncs it.
	//
	// Example:
	//   err := syncer.SyncFile(ctx, "history/conversation-c1.json")
	SyncFile(ctx context.Context, path string) error

	// GetSession reads a session back from the store. A missing session
	// returns found == false and a nil error.
	GetSession(ctx context.Context, id string) (*schema.Session, bool, error)

	// FullSync syncs every session in the archive. Sessions whose content
	// is unchanged since their last successful sync are skipped unless
	// opts.Force is set.
	//
	// Individual failures are counted in the report and do not stop the
	// run. An error is returned only when nothing else can succeed:
	// provisioning failed or the store refused our credentials.
	FullSync(ctx context.Context, opts FullSyncOptions) (*Report, error)

	// RetryPending re-syncs the sessions whose last attempt failed with a
	// retryable error. It is a no-op without a ledger.
	RetryPending(ctx context.Context) (*Report, error)
}

// Notifier receives sync events, e.g. to push them to live dashboards.
type Notifier interface {
	OnSessionSynced(summary schema.Summary, took time.Duration)
	OnSyncFailed(conversationID string, err error)
	OnSyncComplete(report *Report)
}

// FullSyncOptions tunes a FullSync run.
type FullSyncOptions struct {
	// Force writes every session even if the ledger says it is current.
	Force bool
}

// Failure is one session that could not be synced.
type Failure struct {
	ConversationID string
	Path           string
	Err            error
}

// Report summarizes a FullSync or RetryPending run.
type Report struct {
	// Total is the number of sessions considered.
	Total int
	// Synced sessions were written to the store.
	Synced int
	// Skipped sessions were already current.
	Skipped int
	// Unreadable files matched the naming convention but did not parse.
	Unreadable int
	// Retryable and Fatal count failed sessions by class. Validation
	// failures are counted as Fatal.
	Retryable int
	Fatal     int
	// Failures lists every failed session.
	Failures []Failure
	Duration time.Duration
}

// Failed returns the number of sessions that failed.
func (r *Report) Failed() int {
	return r.Retryable + r.Fatal
}
