// Package daemon keeps the remote conversation-history table in step with a
// local archive directory.
//
// # Architecture
//
//   - FileWatcher: fsnotify events for session files in the archive directory
//   - Daemon: initial full sync, debounced per-file sync, periodic retries
//
// On Start the daemon provisions the table, runs a full sync (skipping
// sessions the ledger already has), and then watches the directory. Every
// create or write resets a per-file debounce timer; once a file has been
// quiet for DebounceInterval it is synced with Syncer.SyncFile.
//
//	d, err := daemon.New(syncer, archive.New("history", nil))
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// Removing a session file never removes the remote copy.
//
// Sessions that fail with a retryable error are attempted again every
// RetryInterval. If the store was unreachable when the daemon started, the
// retry loop runs full syncs until one completes.
package daemon
