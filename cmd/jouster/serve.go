package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beffjarker/jouster/internal/history/api"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve the history API and stream sync events",
	Long: `Start the HTTP API over the archive and the store.

Endpoints:
  GET /api/conversation-history        session summaries, newest first
  GET /api/conversation-history/{id}   one session (store first, then archive)
  GET /health                          store connectivity and sync stats
  GET /metrics                         Prometheus metrics
  /ws                                  WebSocket stream of sync events

Unless --no-watch is given the sync daemon runs alongside the server and
every sync it performs is broadcast to WebSocket clients:
  session_synced  a session was written to the store
  sync_failed     a session could not be written
  sync_complete   a full sync finished
  stats           running totals, sent on connect

Example usage:
  jouster serve                   # Start on the configured port (8080)
  jouster serve --port 9000       # Start on a custom port`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		noWatch, _ := cmd.Flags().GetBool("no-watch")
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		serverCfg := &api.Config{
			Port:           port,
			RequestTimeout: cfg.Server.RequestTimeout,
			Logger:         logs.Logger("api"),
		}
		server := api.NewServer(serverCfg)

		a, err := openApp(ctx, appOptions{withLedger: true, notifier: server.Handler()})
		if err != nil {
			_ = server.Stop()
			return err
		}
		defer a.Close()

		serverCfg.Sessions = a.syncer
		serverCfg.Archive = a.archive
		serverCfg.Remote = a.store

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		addr := server.GetAddr()
		fmt.Printf("History API started on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		var daemonErr error
		if noWatch {
			<-ctx.Done()
		} else {
			d, err := newDaemon(a)
			if err != nil {
				_ = server.Stop()
				return err
			}
			// Start blocks until ctx is canceled or the daemon gives up.
			daemonErr = d.Start(ctx)
		}

		fmt.Println("\nShutting down history API...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		if daemonErr != nil {
			return fmt.Errorf("daemon stopped: %w", daemonErr)
		}
		fmt.Println("History API stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on (default: server.port)")
	serveCmd.Flags().Bool("no-watch", false, "serve only; do not run the sync daemon")
	rootCmd.AddCommand(serveCmd)
}
