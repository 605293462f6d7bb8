// Package migrate converts between JSONL session exports and the archive's
// one-file-per-session layout.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// maxLineSize bounds a single JSONL record. Long transcripts are large.
const maxLineSize = 32 << 20

// Options contains configuration for an import.
type Options struct {
	FromJSONL string // Input JSONL file path
	ToDir     string // Archive directory to write session files into
	DryRun    bool   // Preview without writing
	Backup    bool   // Copy the input file aside before importing
	Overwrite bool   // Replace session files that already exist
}

// Result contains statistics about an import.
type Result struct {
	Imported      int // valid sessions read from the input
	FilesWritten  int
	Skipped       int // existing files left alone
	Duplicates    int // ids seen more than once; the last line wins
	BackupCreated string
	Errors        []string
}

// Import converts a JSONL export, one session object per line, into
// archive session files. Lines that fail to parse or validate are reported
// in Result.Errors and do not stop the import.
func Import(ctx context.Context, opts Options) (*Result, error) {
	if opts.ToDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &Result{}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	sessions, lineErrs, err := readJSONL(ctx, opts.FromJSONL)
	if err != nil {
		return nil, err
	}
	result.Errors = append(result.Errors, lineErrs...)

	seen := make(map[string]int, len(sessions))
	for _, s := range sessions {
		seen[s.ConversationID]++
	}

	written := make(map[string]bool, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		if written[s.ConversationID] {
			continue
		}
		written[s.ConversationID] = true
		if n := seen[s.ConversationID]; n > 1 {
			result.Duplicates += n - 1
		}
		result.Imported++

		path := filepath.Join(opts.ToDir, s.Filename())
		if !opts.Overwrite {
			if _, err := os.Stat(path); err == nil {
				result.Skipped++
				continue
			}
		}
		if opts.DryRun {
			continue
		}
		if err := schema.WriteSessionFile(opts.ToDir, s); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to write session %s: %v", s.ConversationID, err))
			continue
		}
		result.FilesWritten++
	}

	return result, nil
}

// readJSONL parses every line of path. Per-line problems are returned as
// messages; only I/O failures are errors.
func readJSONL(ctx context.Context, path string) ([]*schema.Session, []string, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var (
		sessions []*schema.Session
		errs     []string
		lineNum  int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s, err := schema.ParseSession([]byte(line))
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		s.SetDefaults()
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		sessions = append(sessions, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read JSONL file at line %d: %w", lineNum+1, err)
	}
	return sessions, errs, nil
}

// Export writes every session in the archive to w as JSONL, oldest first,
// and returns the number of sessions written.
func Export(ctx context.Context, arc *archive.Archive, w io.Writer) (int, error) {
	sessions, err := arc.List(ctx)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := enc.Encode(sessions[i]); err != nil {
			return len(sessions) - 1 - i, fmt.Errorf("failed to encode %s: %w", sessions[i].ConversationID, err)
		}
	}
	return len(sessions), nil
}
