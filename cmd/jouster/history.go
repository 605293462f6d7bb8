package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/ledger"
	"github.com/beffjarker/jouster/internal/history/migrate"
	"github.com/beffjarker/jouster/internal/history/schema"
	"github.com/beffjarker/jouster/internal/history/sync"
	"github.com/beffjarker/jouster/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "Sync and inspect conversation history",
	Long: `Sync session files to DynamoDB and read them back.

Session files live in the archive directory (archive.dir) and are named
conversation-<id>.json. Each sync writes the full session, replacing what the
table held for that conversationId.`,
}

var historySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every session in the archive",
	Long: `Sync all session files in the archive directory to the store.

Sessions whose content has not changed since their last successful sync are
skipped unless --force is given. Failures are recorded in the local ledger so
'jouster watch' (or another sync) can retry them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctx := cmd.Context()

		a, err := openApp(ctx, appOptions{withLedger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("%s Syncing %s to table %s...\n", ui.RenderAccent("🔄"), cfg.Archive.Dir, cfg.Store.Table)
		report, err := a.syncer.FullSync(ctx, sync.FullSyncOptions{Force: force})
		if report != nil {
			printReport(report)
		}
		if err != nil {
			return err
		}
		return reportError(report)
	},
}

var historySyncFileCmd = &cobra.Command{
	Use:   "sync-file <path>",
	Short: "Sync a single session file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{withLedger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		if err := a.syncer.SyncFile(ctx, args[0]); err != nil {
			fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), args[0], describe(err))
			return err
		}
		fmt.Printf("%s Synced %s in %v\n", ui.RenderPass("✓"), args[0], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var historyGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Read a session back from the store",
	Long: `Print a session as stored in DynamoDB.

With --local the archive is read instead of the store. A session that does
not exist is not an error: the command prints a notice and exits with
status 3.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		local, _ := cmd.Flags().GetBool("local")
		if format != "json" && format != "yaml" {
			return fmt.Errorf("--format must be 'json' or 'yaml'")
		}
		ctx := cmd.Context()
		id := args[0]

		var (
			session *schema.Session
			found   bool
			err     error
		)
		if local {
			session, found, err = openArchive().Get(ctx, id)
		} else {
			var a *app
			a, err = openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			session, found, err = a.syncer.GetSession(ctx, id)
		}
		if err != nil {
			return err
		}
		if !found {
			return &notFoundError{id: id}
		}

		return encode(format, session)
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session summaries, newest first",
	Long: `List sessions from the archive, or from the store with --remote.

--since accepts a date (2024-05-01), RFC 3339, a duration (36h) or natural
language ("2 weeks ago", "last monday").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		project, _ := cmd.Flags().GetString("project")
		remote, _ := cmd.Flags().GetBool("remote")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		since, err := parseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		var summaries []schema.Summary
		if remote {
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			summaries, err = store.ListSummaries(ctx)
			if err != nil {
				return err
			}
			archive.SortSummaries(summaries)
			summaries = filterSummaries(summaries, since, project)
		} else {
			sessions, err := openArchive().ListFiltered(ctx, archive.Filter{Since: since, Project: project})
			if err != nil {
				return err
			}
			summaries = archive.Summarize(sessions)
		}
		if limit > 0 && len(summaries) > limit {
			summaries = summaries[:limit]
		}

		if jsonOutput {
			if summaries == nil {
				summaries = []schema.Summary{}
			}
			return encode("json", summaries)
		}
		printSummaries(summaries)
		return nil
	},
}

var historyProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the store is reachable",
	Long: `Describe the sessions table within store.probe_timeout.

Exits 0 when the table answers, 75 when the store is unreachable and 1 for
anything that retrying will not fix (missing table, bad credentials).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		start := time.Now()
		err = store.Probe(cmd.Context())
		took := time.Since(start).Round(time.Millisecond)

		endpoint := cfg.Store.Endpoint
		if endpoint == "" {
			endpoint = "AWS " + cfg.Store.Region
		}
		if err != nil {
			fmt.Printf("%s %s: %s (%v)\n", ui.RenderWarn("⚠"), endpoint, describe(err), took)
			return err
		}
		fmt.Printf("%s %s: table %s reachable (%v)\n", ui.RenderPass("✓"), endpoint, cfg.Store.Table, took)
		return nil
	},
}

var historyProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the sessions table if it does not exist",
	Long: `Create the sessions table with conversationId (S) as its partition key and
wait for it to become ACTIVE. An existing table with the right key schema is
left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Provisioning table %s...\n", ui.RenderAccent("🚀"), cfg.Store.Table)
		identity, err := store.EnsureTable(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Table %s is ACTIVE\n", ui.RenderPass("✓"), cfg.Store.Table)
		if identity != "" {
			ui.Fields(os.Stdout, "Table ID", identity)
		}
		return nil
	},
}

var historyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display the sync ledger: how many sessions are synced, pending retry or
failed for good, and which ones failed last.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		info, err := os.Stat(cfg.Sync.Ledger)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s No sync ledger yet\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'jouster history sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("error checking ledger: %w", err)
		}

		l, err := ledger.Open(cfg.Sync.Ledger)
		if err != nil {
			return err
		}
		defer l.Close()

		counts, err := l.Counts(ctx)
		if err != nil {
			return err
		}
		paths, err := openArchive().Paths()
		if err != nil {
			return err
		}
		table := cfg.Store.Table
		if identity, err := l.TableIdentity(ctx); err != nil {
			return err
		} else if identity != "" {
			table += " " + ui.RenderMuted("("+identity+")")
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		ui.Fields(os.Stdout,
			"Archive", fmt.Sprintf("%s (%d files)", cfg.Archive.Dir, len(paths)),
			"Table", table,
			"Ledger", fmt.Sprintf("%s (%s)", cfg.Sync.Ledger, ui.FormatBytes(info.Size())),
			"Synced", fmt.Sprint(counts[ledger.StateSynced]),
			"Pending", fmt.Sprint(counts[ledger.StateFailedRetryable]),
			"Failed", fmt.Sprint(counts[ledger.StateFailedFatal]),
		)

		for _, state := range []ledger.State{ledger.StateFailedRetryable, ledger.StateFailedFatal} {
			entries, err := l.ListByState(ctx, state)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				continue
			}
			fmt.Printf("\n%s\n", ui.RenderWarn(string(state)))
			for _, e := range entries {
				fmt.Printf("   %s  %s  %s\n", e.ConversationID,
					ui.RenderMuted(e.LastAttemptAt.Local().Format("2006-01-02 15:04:05")), e.LastError)
			}
		}
		fmt.Println()
		return nil
	},
}

var historyImportCmd = &cobra.Command{
	Use:   "import <export.jsonl>",
	Short: "Import a JSONL export into the archive",
	Long: `Convert a JSONL export (one session object per line) into session files in
the archive directory. Lines that do not parse or validate are reported and
skipped. Run 'jouster history sync' afterwards to push the sessions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		result, err := migrate.Import(cmd.Context(), migrate.Options{
			FromJSONL: args[0],
			ToDir:     cfg.Archive.Dir,
			DryRun:    dryRun,
			Backup:    backup,
			Overwrite: overwrite,
		})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d session(s) into %s\n", ui.RenderPass("✓"), verb, result.Imported, cfg.Archive.Dir)
		ui.Fields(os.Stdout,
			"Written", fmt.Sprint(result.FilesWritten),
			"Skipped", fmt.Sprintf("%d (already present, use --overwrite)", result.Skipped),
			"Duplicates", fmt.Sprint(result.Duplicates),
		)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), msg)
		}
		if len(result.Errors) > 0 {
			return history.Errorf("import", history.ErrValidation, "%d line(s) could not be imported", len(result.Errors))
		}
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the archive as JSONL, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		w := os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := migrate.Export(cmd.Context(), openArchive(), w)
		if err != nil {
			return err
		}
		if w != os.Stdout {
			fmt.Printf("%s Exported %d session(s) to %s\n", ui.RenderPass("✓"), n, output)
		}
		return nil
	},
}

func init() {
	historySyncCmd.Flags().Bool("force", false, "sync sessions even if unchanged since their last sync")

	historyGetCmd.Flags().String("format", "json", "output format: json or yaml")
	historyGetCmd.Flags().Bool("local", false, "read from the archive instead of the store")

	historyListCmd.Flags().String("since", "", "only sessions started at or after this time")
	historyListCmd.Flags().String("project", "", "only sessions tagged with this project")
	historyListCmd.Flags().Bool("remote", false, "list from the store instead of the archive")
	historyListCmd.Flags().IntP("limit", "n", 0, "show at most this many sessions")
	historyListCmd.Flags().Bool("json", false, "output as JSON")

	historyImportCmd.Flags().Bool("dry-run", false, "report what would be imported without writing")
	historyImportCmd.Flags().Bool("backup", false, "copy the input file aside first")
	historyImportCmd.Flags().Bool("overwrite", false, "replace session files that already exist")

	historyExportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	historyCmd.AddCommand(historySyncCmd)
	historyCmd.AddCommand(historySyncFileCmd)
	historyCmd.AddCommand(historyGetCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyProbeCmd)
	historyCmd.AddCommand(historyProvisionCmd)
	historyCmd.AddCommand(historyStatusCmd)
	historyCmd.AddCommand(historyImportCmd)
	historyCmd.AddCommand(historyExportCmd)
	rootCmd.AddCommand(historyCmd)
}

func encode(format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// filterSummaries applies list filters to remote summaries, which the store
// returns unfiltered.
func filterSummaries(in []schema.Summary, since time.Time, project string) []schema.Summary {
	var out []schema.Summary
	for _, s := range in {
		if !since.IsZero() && s.StartTime.Before(since) {
			continue
		}
		if project != "" && !strings.EqualFold(s.Project, project) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func printSummaries(summaries []schema.Summary) {
	if len(summaries) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = ui.RenderMuted("(untitled)")
		}
		fmt.Printf("%s  %s  %-12s %4d msgs  %s\n",
			ui.RenderMuted(s.StartTime.Local().Format("2006-01-02 15:04")),
			ui.RenderAccent(s.ConversationID), s.Project, s.MessageCount, title)
	}
}

func printReport(r *sync.Report) {
	mark := ui.RenderPass("✓")
	if r.Failed() > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync finished in %v\n", mark, r.Duration.Round(time.Millisecond))
	ui.Fields(os.Stdout,
		"Sessions", fmt.Sprint(r.Total),
		"Synced", fmt.Sprint(r.Synced),
		"Unchanged", fmt.Sprint(r.Skipped),
		"Failed", fmt.Sprintf("%d (%d retryable, %d fatal)", r.Failed(), r.Retryable, r.Fatal),
		"Unreadable", fmt.Sprint(r.Unreadable),
	)
	for _, f := range r.Failures {
		fmt.Printf("   %s %s: %v\n", ui.RenderFail("✗"), f.ConversationID, f.Err)
	}
}
