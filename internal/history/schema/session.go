// Package schema provides data structures for conversation-history session files.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/beffjarker/jouster/internal/history"
)

// DefaultProject tags sessions whose file does not name a project.
const DefaultProject = "jouster"

// FilePattern is the glob that marks a file in the archive directory as a
// session record.
const FilePattern = "conversation-*.json"

// Message is a single conversation turn. Order within Session.Messages is
// conversation order. No field is required: transcripts are stored as found.
type Message struct {
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Session is one conversation transcript and the unit of synchronization.
// A stored session is always a complete snapshot keyed by ConversationID.
type Session struct {
	// ===== Identity =====
	ConversationID string `json:"conversationId" yaml:"conversationId" validate:"required,notblank"`

	// ===== Labels =====
	Title   string `json:"title" yaml:"title"`
	Project string `json:"project,omitempty" yaml:"project,omitempty"`

	// ===== Timing =====
	StartTime time.Time  `json:"startTime" yaml:"startTime" validate:"required"`
	EndTime   *time.Time `json:"endTime,omitempty" yaml:"endTime,omitempty"` // nil while in progress

	// ===== Transcript =====
	Messages []Message `json:"messages" yaml:"messages"`
}

// Summary is the listing view of a session.
type Summary struct {
	ConversationID string     `json:"conversationId" yaml:"conversationId"`
	Title          string     `json:"title" yaml:"title"`
	Project        string     `json:"project" yaml:"project"`
	StartTime      time.Time  `json:"startTime" yaml:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	MessageCount   int        `json:"messageCount" yaml:"messageCount"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report field names the way they appear in session files.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Validate checks the fields a session needs before it can be synced.
// Failures wrap history.ErrValidation.
func (s *Session) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &history.Error{Op: "validate", ConversationID: s.ConversationID, Kind: history.ErrValidation, Err: err}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Session.")
		switch fe.Tag() {
		case "required", "notblank":
			msgs = append(msgs, field+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return &history.Error{
		Op:             "validate",
		ConversationID: s.ConversationID,
		Kind:           history.ErrValidation,
		Err:            errors.New(strings.Join(msgs, "; ")),
	}
}

// SetDefaults fills optional fields and normalizes timestamps to UTC so a
// session compares equal after a trip through the store.
func (s *Session) SetDefaults() {
	s.ConversationID = strings.TrimSpace(s.ConversationID)
	if strings.TrimSpace(s.Project) == "" {
		s.Project = DefaultProject
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if !s.StartTime.IsZero() {
		s.StartTime = s.StartTime.UTC()
	}
	if s.EndTime != nil {
		end := s.EndTime.UTC()
		s.EndTime = &end
	}
	for i := range s.Messages {
		if !s.Messages[i].Timestamp.IsZero() {
			s.Messages[i].Timestamp = s.Messages[i].Timestamp.UTC()
		}
	}
}

// Clone returns a deep copy, so callers can normalize without touching the
// value they were handed.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	return &c
}

// Summary returns the listing view of the session.
func (s *Session) Summary() Summary {
	return Summary{
		ConversationID: s.ConversationID,
		Title:          s.Title,
		Project:        s.Project,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		MessageCount:   len(s.Messages),
	}
}

// ContentHash returns a hex SHA-256 of the session's canonical JSON.
// Two sessions with the same hash produce the same stored record.
func (s *Session) ContentHash() (string, error) {
	c := s.Clone()
	c.SetDefaults()
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session %s: %w", s.ConversationID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Filename returns the canonical filename for this session:
// conversation-{id}.json, with path separators replaced.
func (s *Session) Filename() string {
	id := strings.NewReplacer("/", "_", "\\", "_").Replace(s.ConversationID)
	return fmt.Sprintf("conversation-%s.json", id)
}

// IsSessionFile reports whether name matches pattern (FilePattern when empty).
func IsSessionFile(pattern, name string) bool {
	if pattern == "" {
		pattern = FilePattern
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

// ParseSession decodes a session file's contents. It only requires a
// conversationId; full validation happens at sync time.
func ParseSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return nil, fmt.Errorf("conversationId is required")
	}
	s.SetDefaults()
	return &s, nil
}

// ReadSessionFile reads and parses a session JSON file from the given path.
func ReadSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	s, err := ParseSession(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return s, nil
}

// WriteSessionFile writes a session to dir/{Filename()} as indented JSON.
// The write goes through a temp file and a rename so readers never observe
// a partial file.
func WriteSessionFile(dir string, s *Session) error {
	if strings.TrimSpace(s.ConversationID) == "" {
		return fmt.Errorf("cannot write session without conversationId")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.ConversationID, err)
	}

	path := filepath.Join(dir, s.Filename())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
