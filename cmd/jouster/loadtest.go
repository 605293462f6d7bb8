package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beffjarker/jouster/internal/history/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure put/get latency against the configured store",
	Long: `Write generated sessions to the store from concurrent workers and read each
one back, then report latency percentiles and error counts.

Generated ids carry --prefix so runs do not overwrite real sessions. Point
the config at DynamoDB Local (store.endpoint) unless you mean to load a real
table.

Examples:
  # 10 workers x 20 sessions (default)
  jouster loadtest

  # Heavier run without read-back
  jouster loadtest --workers 50 --sessions 100 --no-read

  # Also check that racing writers leave exactly one of their versions
  jouster loadtest --race-writers 8

  # Output results as JSON
  jouster loadtest --json
`,
	Args: cobra.NoArgs,
	RunE: runLoadtest,
}

func init() {
	defaults := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("workers", defaults.Workers, "number of concurrent workers")
	loadtestCmd.Flags().Int("sessions", defaults.SessionsPerWorker, "sessions written per worker")
	loadtestCmd.Flags().Int("messages", defaults.MessagesPerSession, "messages per generated session")
	loadtestCmd.Flags().Bool("no-read", false, "skip reading each session back")
	loadtestCmd.Flags().String("prefix", "", "conversationId prefix (default: loadtest-<unix time>)")
	loadtestCmd.Flags().Int("race-writers", 0, "also race this many writers on one id")
	loadtestCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	sessions, _ := cmd.Flags().GetInt("sessions")
	messages, _ := cmd.Flags().GetInt("messages")
	noRead, _ := cmd.Flags().GetBool("no-read")
	prefix, _ := cmd.Flags().GetString("prefix")
	raceWriters, _ := cmd.Flags().GetInt("race-writers")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if sessions <= 0 {
		return fmt.Errorf("--sessions must be positive")
	}
	if messages < 0 {
		return fmt.Errorf("--messages must not be negative")
	}

	if prefix == "" {
		prefix = loadtest.DefaultConfig().Prefix
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	// No ledger: generated sessions are not part of the archive.
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ltCfg := loadtest.Config{
		Workers:            workers,
		SessionsPerWorker:  sessions,
		MessagesPerSession: messages,
		ReadBack:           !noRead,
		Prefix:             prefix,
	}
	if !jsonOutput {
		fmt.Printf("Running load test against table %s...\n", cfg.Store.Table)
		fmt.Printf("Configuration: %d workers, %d sessions/worker, %d messages/session\n\n",
			workers, sessions, messages)
	}

	result, err := loadtest.Run(ctx, a.syncer, ltCfg)
	if result != nil {
		if jsonOutput {
			if err := outputLoadtestJSON(result); err != nil {
				return err
			}
		} else {
			result.Fprint(os.Stdout)
		}
	}
	if err != nil {
		return err
	}

	if raceWriters > 0 {
		id := prefix + "-race"
		if err := loadtest.VerifySupersedingWrites(ctx, a.syncer, id, raceWriters); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("\nSuperseding writes: %d writers on %s left one intact version\n", raceWriters, id)
		}
	}
	return nil
}

func outputLoadtestJSON(r *loadtest.Result) error {
	out := struct {
		Writes     *loadtest.LatencyStats `json:"writes"`
		Reads      *loadtest.LatencyStats `json:"reads"`
		Retryable  int                    `json:"retryable"`
		Fatal      int                    `json:"fatal"`
		Mismatches int                    `json:"mismatches"`
		ElapsedMs  int64                  `json:"elapsed_ms"`
		Throughput float64                `json:"writes_per_second"`
		FirstError string                 `json:"first_error,omitempty"`
	}{
		Writes:     r.Writes,
		Reads:      r.Reads,
		Retryable:  r.Retryable,
		Fatal:      r.Fatal,
		Mismatches: r.Mismatches,
		ElapsedMs:  r.Elapsed.Milliseconds(),
		Throughput: r.Throughput(),
	}
	if r.FirstError != nil {
		out.FirstError = r.FirstError.Error()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
