// Package sync reconciles locally authored conversation sessions with the
// remote DynamoDB store.
//
// Overview
//
// Sessions are written by tools as JSON files in the archive directory.
// The syncer reads them, validates them and writes each one to the store as
// a full snapshot keyed by conversationId. It is the only component that
// touches both sides.
//
// Architecture
//
//	Archive directory
//	     └── conversation-*.json   → schema.Session
//	                                      ↓
//	                                   Syncer ── ledger.db (attempt history)
//	                                      ↓
//	                                   DynamoDB
//	                                   (one item per conversation)
//
// Per session, the flow is:
//
//	validate → [probe] → [provision, once per process] → put → [verify]
//	    → Synced | Failed(retryable) | Failed(fatal)
//
// Usage
//
// Basic usage:
//
//	store, err := db.Open(ctx, db.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	syncer := sync.New(sync.Options{
//	    Store:         store,
//	    Archive:       archive.New("history", nil),
//	    AutoProvision: true,
//	})
//
//	report, err := syncer.FullSync(ctx, sync.FullSyncOptions{})
//	if err != nil {
//	    return err
//	}
//
// Incremental sync:
//
//	if err := syncer.SyncFile(ctx, "history/conversation-c1.json"); err != nil {
//	    return err
//	}
//
// Error Handling
//
// Every error returned is a *history.Error:
//
//   - ErrValidation: the session is missing conversationId or startTime; no
//     remote call was made
//   - ErrConnectivity: the store was unreachable, slow or throttling; retry
//     with the same session value
//   - ErrAuthorization, ErrRejected, ErrProvision: fatal, needs operator action
//
// FullSync keeps going past individual failures and reports them. It stops
// early only on authorization failures, since no other write can succeed.
//
// Concurrency
//
// The syncer is safe for concurrent use. Writes are unconditional, so two
// writers of the same conversationId race and the last write wins; no
// merging or conflict detection is attempted.
package sync
