// Package archive reads conversation sessions from the local JSON file
// collection. It never writes; malformed files are skipped and logged.
package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/beffjarker/jouster/internal/history/schema"
)

// Archive is a read-only view of a directory of session files.
type Archive struct {
	dir     string
	pattern string
	logger  *log.Logger
}

// Filter narrows ListFiltered results. Zero values match everything.
type Filter struct {
	// Since keeps sessions that started at or after this instant.
	Since time.Time
	// Project keeps sessions tagged with this project.
	Project string
}

// New returns an Archive over dir using schema.FilePattern.
//
// If logger is nil, a default logger writing to stderr is used.
func New(dir string, logger *log.Logger) *Archive {
	return NewWithPattern(dir, schema.FilePattern, logger)
}

// NewWithPattern is like New but matches files against pattern.
func NewWithPattern(dir, pattern string, logger *log.Logger) *Archive {
	if logger == nil {
		logger = log.New(os.Stderr, "[archive] ", log.LstdFlags)
	}
	if pattern == "" {
		pattern = schema.FilePattern
	}
	return &Archive{dir: dir, pattern: pattern, logger: logger}
}

// Dir returns the directory the archive reads from.
func (a *Archive) Dir() string {
	return a.dir
}

// Matches reports whether a base filename is a session file for this archive.
func (a *Archive) Matches(name string) bool {
	return schema.IsSessionFile(a.pattern, name)
}

// Paths returns the session file paths in the archive in directory order.
// A missing directory yields no paths and no error.
func (a *Archive) Paths() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !a.Matches(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(a.dir, entry.Name()))
	}
	return paths, nil
}

// Entry is a session and the file it was read from.
type Entry struct {
	Path    string
	Session *schema.Session
}

// Load reads every session in the archive, newest first, and returns the
// number of matching files that were skipped.
//
// Files that cannot be read or parsed, or that lack a conversationId, are
// logged and skipped. Sessions with equal startTime are ordered by
// conversationId so the result is deterministic.
func (a *Archive) Load(ctx context.Context) ([]Entry, int, error) {
	paths, err := a.Paths()
	if err != nil {
		return nil, 0, err
	}

	entries := make([]Entry, 0, len(paths))
	skipped := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		s, err := schema.ReadSessionFile(path)
		if err != nil {
			a.logger.Printf("Warning: skipping %s: %v", filepath.Base(path), err)
			skipped++
			continue
		}
		entries = append(entries, Entry{Path: path, Session: s})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return newer(entries[i].Session.StartTime, entries[j].Session.StartTime,
			entries[i].Session.ConversationID, entries[j].Session.ConversationID)
	})
	return entries, skipped, nil
}

// List reads every session in the archive, newest first. See Load.
func (a *Archive) List(ctx context.Context) ([]*schema.Session, error) {
	entries, _, err := a.Load(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]*schema.Session, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, e.Session)
	}
	return sessions, nil
}

// ListFiltered is List restricted by f.
func (a *Archive) ListFiltered(ctx context.Context, f Filter) ([]*schema.Session, error) {
	sessions, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	if f.Since.IsZero() && f.Project == "" {
		return sessions, nil
	}

	out := sessions[:0]
	for _, s := range sessions {
		if !f.Since.IsZero() && s.StartTime.Before(f.Since) {
			continue
		}
		if f.Project != "" && !strings.EqualFold(s.Project, f.Project) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Summaries returns the listing view of every session, newest first.
func (a *Archive) Summaries(ctx context.Context) ([]schema.Summary, error) {
	sessions, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	return Summarize(sessions), nil
}

// Get returns the session with the given id. The canonical filename is tried
// first; otherwise every file is scanned, since ids are read from content.
func (a *Archive) Get(ctx context.Context, id string) (*schema.Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}

	direct := filepath.Join(a.dir, (&schema.Session{ConversationID: id}).Filename())
	if s, err := schema.ReadSessionFile(direct); err == nil && s.ConversationID == id {
		return s, true, nil
	}

	sessions, err := a.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, s := range sessions {
		if s.ConversationID == id {
			return s, true, nil
		}
	}
	return nil, false, nil
}

// Summarize converts sessions to summaries, keeping their order.
func Summarize(sessions []*schema.Session) []schema.Summary {
	out := make([]schema.Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// SortSummaries orders summaries newest first, ties by conversationId.
func SortSummaries(summaries []schema.Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return newer(summaries[i].StartTime, summaries[j].StartTime,
			summaries[i].ConversationID, summaries[j].ConversationID)
	})
}

func newer(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return idA < idB
}
