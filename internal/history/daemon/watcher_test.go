package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beffjarker/jouster/internal/history/schema"
)

func matchSessions(name string) bool {
	return schema.IsSessionFile(schema.FilePattern, name)
}

// startWatcher creates an archive directory and a running watcher over it.
func startWatcher(t *testing.T) (*FileWatcher, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "history")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create archive dir: %v", err)
	}

	fw, err := NewFileWatcher(matchSessions)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	t.Cleanup(func() { _ = fw.Stop() })

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return fw, dir
}

func waitEvent(t *testing.T, fw *FileWatcher) FileEvent {
	t.Helper()
	select {
	case event := <-fw.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for file event")
	}
	return FileEvent{}
}

func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher(matchSessions)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if _, err := NewFileWatcher(nil); err == nil {
		t.Error("NewFileWatcher(nil) should fail")
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	fw, dir := startWatcher(t)

	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Start(dir); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if err := fw.Start(dir); err == nil {
		t.Error("Start() after Stop() should fail")
	}

	// Channels are closed on stop.
	if _, ok := <-fw.Events(); ok {
		t.Error("Events channel should be closed after Stop()")
	}
}

func TestFileWatcher_MissingDirectory(t *testing.T) {
	fw, err := NewFileWatcher(matchSessions)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
}

func TestFileWatcher_SessionFileCreated(t *testing.T) {
	fw, dir := startWatcher(t)

	path := filepath.Join(dir, "conversation-abc.json")
	if err := os.WriteFile(path, []byte(`{"conversationId":"abc"}`), 0644); err != nil {
		t.Fatalf("Failed to write session file: %v", err)
	}

	event := waitEvent(t, fw)
	if event.Op != OpCreate {
		t.Errorf("Op = %v, want %v", event.Op, OpCreate)
	}
	if filepath.Base(event.Path) != "conversation-abc.json" {
		t.Errorf("Path = %s, want conversation-abc.json", filepath.Base(event.Path))
	}
}

func TestFileWatcher_SessionFileModifiedAndDeleted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create archive dir: %v", err)
	}
	path := filepath.Join(dir, "conversation-abc.json")
	if err := os.WriteFile(path, []byte(`{"conversationId":"abc"}`), 0644); err != nil {
		t.Fatalf("Failed to write session file: %v", err)
	}

	fw, err := NewFileWatcher(matchSessions)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()
	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Give watcher time to stabilize
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"conversationId":"abc","title":"x"}`), 0644); err != nil {
		t.Fatalf("Failed to update session file: %v", err)
	}
	if event := waitEvent(t, fw); event.Op != OpModify {
		t.Errorf("Op = %v, want %v", event.Op, OpModify)
	}

	// Drain duplicate write events some platforms emit.
	time.Sleep(50 * time.Millisecond)
	for len(fw.Events()) > 0 {
		<-fw.Events()
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove session file: %v", err)
	}
	if event := waitEvent(t, fw); event.Op != OpDelete {
		t.Errorf("Op = %v, want %v", event.Op, OpDelete)
	}
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	fw, dir := startWatcher(t)

	for _, name := range []string{"notes.txt", "conversation-abc.json.tmp", "settings.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("Failed to create subdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "conversation-nested.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write nested file: %v", err)
	}

	// A matching file afterwards must be the first event seen.
	if err := os.WriteFile(filepath.Join(dir, "conversation-last.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write session file: %v", err)
	}
	event := waitEvent(t, fw)
	if filepath.Base(event.Path) != "conversation-last.json" {
		t.Errorf("first event for %s, want conversation-last.json", event.Path)
	}
}

func TestFileWatcher_AtomicWrite(t *testing.T) {
	fw, dir := startWatcher(t)

	s := &schema.Session{ConversationID: "atomic", StartTime: time.Now()}
	if err := schema.WriteSessionFile(dir, s); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}

	event := waitEvent(t, fw)
	if filepath.Base(event.Path) != s.Filename() {
		t.Errorf("Path = %s, want %s", filepath.Base(event.Path), s.Filename())
	}
	if event.Op == OpDelete {
		t.Errorf("Op = %v, want create or modify", event.Op)
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
