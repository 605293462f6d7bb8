package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beffjarker/jouster/internal/history/daemon"
	"github.com/beffjarker/jouster/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Watch the archive and sync changes as they happen (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Provision the table if needed
  2. Run a full sync of the archive
  3. Watch the archive for new and modified session files
  4. Sync each changed file once it has been quiet for daemon.debounce
  5. Retry sessions that failed while the store was unreachable

Deleting a session file never deletes the stored session. SIGHUP reopens the
log file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, appOptions{withLedger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := newDaemon(a)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		ui.Fields(os.Stdout,
			"Archive", cfg.Archive.Dir,
			"Table", cfg.Store.Table,
			"Ledger", cfg.Sync.Ledger,
		)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func newDaemon(a *app) (*daemon.Daemon, error) {
	return daemon.NewWithConfig(a.syncer, a.archive, &daemon.Config{
		DebounceInterval: cfg.Daemon.Debounce,
		RetryInterval:    cfg.Daemon.RetryInterval,
		Logger:           logs.Logger("daemon"),
	})
}

// signalContext is canceled on SIGINT or SIGTERM. SIGHUP rotates the log
// file instead.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := logs.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to rotate log: %v\n", err)
				}
			}
		}
	}()

	return ctx, func() {
		signal.Stop(hup)
		stop()
	}
}
