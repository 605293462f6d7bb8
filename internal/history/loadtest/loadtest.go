// Package loadtest drives concurrent session writes and reads through a
// sync.Syncer and reports latency statistics.
//
// Every worker writes its own ids, so runs exercise many independent
// conversations in parallel. VerifySupersedingWrites covers the opposite
// case: several writers racing on one id.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	gosync "sync"
	"time"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/schema"
	"github.com/beffjarker/jouster/internal/history/sync"
)

// Config shapes a load test run.
type Config struct {
	Workers            int
	SessionsPerWorker  int
	MessagesPerSession int
	// ReadBack issues a GetSession after every write and compares it with
	// what was written.
	ReadBack bool
	// Prefix namespaces generated ids so runs do not overwrite each other.
	Prefix string
}

// DefaultConfig returns a small run suitable for a local store.
func DefaultConfig() Config {
	return Config{
		Workers:            10,
		SessionsPerWorker:  20,
		MessagesPerSession: 20,
		ReadBack:           true,
		Prefix:             fmt.Sprintf("loadtest-%d", time.Now().Unix()),
	}
}

// LatencyStats captures latency percentiles for one kind of operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result aggregates a run.
type Result struct {
	Writes     *LatencyStats
	Reads      *LatencyStats
	Retryable  int // writes or reads that failed with a retryable error
	Fatal      int
	Mismatches int // read-backs that did not match the written session
	Elapsed    time.Duration
	FirstError error
}

// Errors returns the total number of failed operations.
func (r *Result) Errors() int {
	return r.Retryable + r.Fatal
}

// Throughput returns successful writes per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 || r.Writes == nil {
		return 0
	}
	return float64(r.Writes.Count) / r.Elapsed.Seconds()
}

// GenerateSession builds a deterministic session for worker w, index i.
func GenerateSession(prefix string, w, i, messages int) *schema.Session {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(w*10000+i) * time.Minute)
	s := &schema.Session{
		ConversationID: fmt.Sprintf("%s-w%03d-%05d", prefix, w, i),
		Title:          fmt.Sprintf("Load test session %d/%d", w, i),
		Project:        "loadtest",
		StartTime:      start,
		Messages:       make([]schema.Message, messages),
	}
	for m := range s.Messages {
		role := "user"
		if m%2 == 1 {
			role = "assistant"
		}
		s.Messages[m] = schema.Message{
			Role:      role,
			Content:   fmt.Sprintf("message %d of session %s", m, s.ConversationID),
			Timestamp: start.Add(time.Duration(m) * time.Second),
		}
	}
	end := start.Add(time.Duration(messages) * time.Second)
	s.EndTime = &end
	return s
}

type workerResult struct {
	writes     []time.Duration
	reads      []time.Duration
	retryable  int
	fatal      int
	mismatches int
	firstErr   error
}

func (wr *workerResult) fail(err error) {
	if history.IsRetryable(err) {
		wr.retryable++
	} else {
		wr.fatal++
	}
	if wr.firstErr == nil {
		wr.firstErr = err
	}
}

// Run writes Workers*SessionsPerWorker sessions concurrently. Individual
// failures are counted, not returned; Run only errors on bad config or when
// nothing succeeded.
func Run(ctx context.Context, syncer sync.Syncer, cfg Config) (*Result, error) {
	if cfg.Workers <= 0 || cfg.SessionsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and sessions per worker must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}

	results := make([]workerResult, cfg.Workers)
	var wg gosync.WaitGroup
	start := time.Now()

	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			wr := &results[w]
			for i := 0; i < cfg.SessionsPerWorker; i++ {
				if ctx.Err() != nil {
					return
				}
				s := GenerateSession(cfg.Prefix, w, i, cfg.MessagesPerSession)

				t0 := time.Now()
				if err := syncer.SyncSession(ctx, s); err != nil {
					wr.fail(err)
					continue
				}
				wr.writes = append(wr.writes, time.Since(t0))

				if !cfg.ReadBack {
					continue
				}
				t0 = time.Now()
				got, found, err := syncer.GetSession(ctx, s.ConversationID)
				if err != nil {
					wr.fail(err)
					continue
				}
				wr.reads = append(wr.reads, time.Since(t0))
				if !found || !sameContent(s, got) {
					wr.mismatches++
				}
			}
		}(w)
	}
	wg.Wait()

	res := &Result{Elapsed: time.Since(start)}
	var writes, reads []time.Duration
	for _, wr := range results {
		writes = append(writes, wr.writes...)
		reads = append(reads, wr.reads...)
		res.Retryable += wr.retryable
		res.Fatal += wr.fatal
		res.Mismatches += wr.mismatches
		if res.FirstError == nil {
			res.FirstError = wr.firstErr
		}
	}
	res.Writes = computeLatencyStats(writes)
	res.Reads = computeLatencyStats(reads)

	if len(writes) == 0 {
		if res.FirstError != nil {
			return res, fmt.Errorf("no successful writes: %w", res.FirstError)
		}
		return res, fmt.Errorf("no successful writes")
	}
	return res, nil
}

// VerifySupersedingWrites has writers goroutines write different versions
// of the same session at once, then checks that the stored record is exactly
// one of them. Concurrent writers are last-write-wins; a blend of two
// versions would be a bug.
func VerifySupersedingWrites(ctx context.Context, syncer sync.Syncer, id string, writers int) error {
	if writers < 2 {
		writers = 2
	}
	versions := make(map[string]bool, writers)
	sessions := make([]*schema.Session, writers)
	for w := range sessions {
		s := GenerateSession("race", w, 0, w+1)
		s.ConversationID = id
		s.Title = fmt.Sprintf("version %d", w)
		n := s.Clone()
		n.SetDefaults()
		hash, err := n.ContentHash()
		if err != nil {
			return err
		}
		versions[hash] = true
		sessions[w] = s
	}

	var wg gosync.WaitGroup
	errs := make(chan error, writers)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *schema.Session) {
			defer wg.Done()
			if err := syncer.SyncSession(ctx, s); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return fmt.Errorf("concurrent write failed: %w", err)
	}

	got, found, err := syncer.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("session %s missing after concurrent writes", id)
	}
	hash, err := got.ContentHash()
	if err != nil {
		return err
	}
	if !versions[hash] {
		return fmt.Errorf("stored session %s matches none of the %d written versions", id, writers)
	}
	return nil
}

func sameContent(want, got *schema.Session) bool {
	w := want.Clone()
	w.SetDefaults()
	wh, err1 := w.ContentHash()
	gh, err2 := got.ContentHash()
	return err1 == nil && err2 == nil && wh == gh
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Fprint writes the statistics under a heading.
func (s *LatencyStats) Fprint(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	fmt.Fprintf(w, "  Count:        %d\n", s.Count)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}

// Fprint writes a full report of the run.
func (r *Result) Fprint(w io.Writer) {
	r.Writes.Fprint(w, "Writes")
	if r.Reads != nil && r.Reads.Count > 0 {
		r.Reads.Fprint(w, "Reads")
	}
	fmt.Fprintf(w, "Errors:      %d (%d retryable, %d fatal)\n", r.Errors(), r.Retryable, r.Fatal)
	fmt.Fprintf(w, "Mismatches:  %d\n", r.Mismatches)
	fmt.Fprintf(w, "Elapsed:     %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput:  %.1f writes/s\n", r.Throughput())
	if r.FirstError != nil {
		fmt.Fprintf(w, "First error: %v\n", r.FirstError)
	}
}
