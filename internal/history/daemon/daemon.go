package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must stay quiet before it is
	// synced. This batches the bursts of writes an editor produces.
	DebounceInterval time.Duration

	// RetryInterval is how often sessions that failed with a retryable
	// error are attempted again. Zero disables the retry loop.
	RetryInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 250 * time.Millisecond,
		RetryInterval:    time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon keeps the remote store in step with an archive directory.
type Daemon struct {
	syncer  sync.Syncer
	archive *archive.Archive
	config  *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu gosync.Mutex

	// resync is set when a full sync was cut short; the retry loop runs a
	// full sync instead of RetryPending until one completes.
	resync atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	stopOnce gosync.Once
}

// New creates a daemon with default configuration.
func New(syncer sync.Syncer, arc *archive.Archive) (*Daemon, error) {
	return NewWithConfig(syncer, arc, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer sync.Syncer, arc *archive.Archive, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if arc == nil {
		return nil, fmt.Errorf("archive cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewFileWatcher(arc.Matches)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		archive:     arc,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start provisions the store, syncs the whole archive and then watches it
// until ctx is cancelled or Stop is called.
//
// A store that is unreachable at startup is not fatal: the failures are
// recorded as retryable and picked up by the retry loop. Authorization and
// provisioning failures stop the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.syncer.Prepare(ctx); err != nil {
		if !unreachable(err) {
			d.Stop()
			return fmt.Errorf("failed to prepare store: %w", err)
		}
		d.config.Logger.Printf("WARNING: store not ready, continuing: %v", err)
	}

	if err := d.PerformFullSync(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := os.MkdirAll(d.archive.Dir(), 0755); err != nil {
		d.Stop()
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := d.watcher.Start(d.archive.Dir()); err != nil {
		d.Stop()
		return err
	}
	d.config.Logger.Printf("Watching: %s", d.archive.Dir())

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.config.RetryInterval > 0 {
		d.wg.Add(1)
		go d.retryPending()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Queued changes that have not been
// synced yet are dropped; the next start picks them up through the ledger.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// PerformFullSync runs a full archive sync. Per-session failures are logged
// by the syncer; only failures that stop the whole run are returned.
func (d *Daemon) PerformFullSync(ctx context.Context) error {
	report, err := d.syncer.FullSync(ctx, sync.FullSyncOptions{})
	if err != nil {
		d.resync.Store(true)
		if unreachable(err) || errors.Is(err, context.Canceled) {
			d.config.Logger.Printf("Warning: full sync interrupted: %v", err)
			return nil
		}
		return err
	}
	d.resync.Store(false)
	if report.Failed() > 0 {
		d.config.Logger.Printf("Warning: %d session(s) failed during full sync", report.Failed())
	}
	return nil
}

// Pending returns the number of files waiting out the debounce interval.
func (d *Daemon) Pending() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	return len(d.changeQueue)
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				// Remote copies are never deleted.
				d.config.Logger.Printf("Ignoring removal of %s", event.Path)
				d.dequeue(event.Path)
				continue
			}
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

func (d *Daemon) dequeue(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	delete(d.changeQueue, path)
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been quiet for long enough.
// The queue lock is released before syncing so new events are not blocked
// behind a slow store.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if d.ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := d.syncer.SyncFile(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error syncing %s: %v", path, err)
		}
	}
}

func (d *Daemon) retryPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.resync.Load() {
				if err := d.PerformFullSync(d.ctx); err != nil {
					d.config.Logger.Printf("Error during full sync: %v", err)
				}
				continue
			}
			report, err := d.syncer.RetryPending(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error retrying pending sessions: %v", err)
				continue
			}
			if report.Total > 0 {
				d.config.Logger.Printf("Retried %d session(s): %d synced, %d still failing",
					report.Total, report.Synced, report.Failed())
			}
		}
	}
}

// unreachable reports whether err was caused by the store being unreachable,
// including provisioning runs that gave up for that reason.
func unreachable(err error) bool {
	return history.IsRetryable(err) || errors.Is(err, history.ErrConnectivity)
}
