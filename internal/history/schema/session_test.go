package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beffjarker/jouster/internal/history"
)

func TestSession_Validate(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		session Session
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid session",
			session: Session{
				ConversationID: "c1",
				Title:          "Refactor contact form",
				StartTime:      start,
				Messages: []Message{
					{Role: "user", Content: "hi", Timestamp: start},
				},
			},
			wantErr: false,
		},
		{
			name: "valid without messages",
			session: Session{
				ConversationID: "c1",
				StartTime:      start,
			},
			wantErr: false,
		},
		{
			name: "missing conversationId",
			session: Session{
				Title:     "No id",
				StartTime: start,
			},
			wantErr: true,
			errMsg:  "conversationId is required",
		},
		{
			name: "blank conversationId",
			session: Session{
				ConversationID: "   ",
				StartTime:      start,
			},
			wantErr: true,
			errMsg:  "conversationId is required",
		},
		{
			name: "missing startTime",
			session: Session{
				ConversationID: "c1",
			},
			wantErr: true,
			errMsg:  "startTime is required",
		},
		{
			name: "message without role",
			session: Session{
				ConversationID: "c1",
				StartTime:      start,
				Messages:       []Message{{Content: "orphan"}},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.errMsg)
			}
			if !errors.Is(err, history.ErrValidation) {
				t.Errorf("Validate() error = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestSession_SetDefaults(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	end := time.Date(2024, 1, 15, 12, 0, 0, 0, loc)
	s := Session{
		ConversationID: " c1 ",
		StartTime:      time.Date(2024, 1, 15, 11, 0, 0, 0, loc),
		EndTime:        &end,
	}

	s.SetDefaults()

	if s.ConversationID != "c1" {
		t.Errorf("conversationId = %q, want %q", s.ConversationID, "c1")
	}
	if s.Project != DefaultProject {
		t.Errorf("project = %q, want %q", s.Project, DefaultProject)
	}
	if s.Messages == nil {
		t.Error("messages is nil, want empty slice")
	}
	if s.StartTime.Location() != time.UTC {
		t.Errorf("startTime location = %v, want UTC", s.StartTime.Location())
	}
	if !s.StartTime.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("startTime = %v, want 10:00 UTC", s.StartTime)
	}
	if s.EndTime.Location() != time.UTC {
		t.Errorf("endTime location = %v, want UTC", s.EndTime.Location())
	}
	if end.Location() != loc {
		t.Error("SetDefaults() mutated the caller's endTime")
	}
}

func TestSession_ContentHash(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	a := &Session{ConversationID: "c1", StartTime: start, Messages: []Message{{Role: "user", Content: "one"}}}
	b := a.Clone()

	ha, err := a.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash() failed: %v", err)
	}
	hb, _ := b.ContentHash()
	if ha != hb {
		t.Errorf("equal sessions hash differently: %s vs %s", ha, hb)
	}

	b.Messages = append(b.Messages, Message{Role: "assistant", Content: "two"})
	hb, _ = b.ContentHash()
	if ha == hb {
		t.Error("appending a message did not change the hash")
	}

	// Reordering messages is a different transcript.
	c := &Session{ConversationID: "c1", StartTime: start, Messages: []Message{
		{Role: "assistant", Content: "two"}, {Role: "user", Content: "one"},
	}}
	hc, _ := c.ContentHash()
	if hc == hb {
		t.Error("reordered messages produced the same hash")
	}
}

func TestSession_Filename(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"c1", "conversation-c1.json"},
		{"team/c2", "conversation-team_c2.json"},
	}
	for _, tt := range tests {
		s := Session{ConversationID: tt.id}
		if got := s.Filename(); got != tt.want {
			t.Errorf("Filename(%q) = %v, want %v", tt.id, got, tt.want)
		}
		if !IsSessionFile("", tt.want) {
			t.Errorf("IsSessionFile(%q) = false, want true", tt.want)
		}
	}
}

func TestIsSessionFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"conversation-abc.json", true},
		{"conversation-abc.json.tmp", false},
		{"notes.json", false},
		{"conversation-abc.txt", false},
	}
	for _, tt := range tests {
		if got := IsSessionFile(FilePattern, tt.name); got != tt.want {
			t.Errorf("IsSessionFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseSession(t *testing.T) {
	data := []byte(`{
		"conversationId": "c1",
		"title": "Gallery embed",
		"startTime": "2024-01-15T10:30:00.000Z",
		"messages": [
			{"role": "user", "content": "first", "timestamp": "2024-01-15T10:30:00Z"},
			{"role": "assistant", "content": "second", "timestamp": "2024-01-15T10:30:05Z"}
		]
	}`)

	s, err := ParseSession(data)
	if err != nil {
		t.Fatalf("ParseSession() failed: %v", err)
	}
	if s.Project != DefaultProject {
		t.Errorf("project = %q, want default %q", s.Project, DefaultProject)
	}
	if s.EndTime != nil {
		t.Errorf("endTime = %v, want nil", s.EndTime)
	}
	if len(s.Messages) != 2 || s.Messages[0].Content != "first" || s.Messages[1].Content != "second" {
		t.Errorf("messages = %+v, want [first second] in order", s.Messages)
	}

	if _, err := ParseSession([]byte(`{"title": "no id"}`)); err == nil {
		t.Error("ParseSession() without conversationId should fail")
	}
	if _, err := ParseSession([]byte(`{not json`)); err == nil {
		t.Error("ParseSession() with invalid JSON should fail")
	}
}

func TestWriteAndReadSessionFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	in := &Session{
		ConversationID: "c1",
		Title:          "Round trip",
		Project:        "portfolio",
		StartTime:      start,
		EndTime:        &end,
		Messages: []Message{
			{Role: "user", Content: "a", Timestamp: start},
			{Role: "assistant", Content: "b", Timestamp: start.Add(time.Second)},
		},
	}

	if err := WriteSessionFile(dir, in); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "conversation-c1.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := ReadSessionFile(filepath.Join(dir, in.Filename()))
	if err != nil {
		t.Fatalf("ReadSessionFile() failed: %v", err)
	}
	if got.Title != in.Title || got.Project != in.Project {
		t.Errorf("got %+v, want %+v", got, in)
	}
	if !got.EndTime.Equal(end) {
		t.Errorf("endTime = %v, want %v", got.EndTime, end)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "b" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestWriteSessionFile_RequiresID(t *testing.T) {
	if err := WriteSessionFile(t.TempDir(), &Session{}); err == nil {
		t.Error("WriteSessionFile() without conversationId should fail")
	}
}
