package api

import (
	"encoding/json"
	"log"
	gosync "sync"
	"time"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/schema"
	"github.com/beffjarker/jouster/internal/history/sync"
)

// MessageType defines the type of broadcast message
type MessageType string

const (
	// MessageTypeSessionSynced indicates a session was written to the store
	MessageTypeSessionSynced MessageType = "session_synced"

	// MessageTypeSyncFailed indicates a session could not be written
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeSyncComplete indicates a full sync finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats carries the running totals; sent on connect
	MessageTypeStats MessageType = "stats"
)

// Message is one WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SessionSyncedData is the payload of a session_synced message.
type SessionSyncedData struct {
	schema.Summary
	DurationMs int64 `json:"durationMs"`
}

// SyncFailedData is the payload of a sync_failed message.
type SyncFailedData struct {
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
	Retryable      bool   `json:"retryable"`
}

// SyncCompleteData is the payload of a sync_complete message.
type SyncCompleteData struct {
	Total      int   `json:"total"`
	Synced     int   `json:"synced"`
	Skipped    int   `json:"skipped"`
	Unreadable int   `json:"unreadable"`
	Retryable  int   `json:"retryable"`
	Fatal      int   `json:"fatal"`
	DurationMs int64 `json:"durationMs"`
}

// Stats are the running totals since the server started.
type Stats struct {
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	FullSyncs     int        `json:"fullSyncs"`
	LastSyncedID  string     `json:"lastSyncedId,omitempty"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}

// Handler turns sync events into broadcast messages and keeps Stats.
// It implements sync.Notifier and is safe for concurrent use.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    gosync.Mutex
	stats Stats
}

var _ sync.Notifier = (*Handler)(nil)

// NewHandler creates an event handler connected to a server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnSessionSynced implements sync.Notifier.
func (h *Handler) OnSessionSynced(summary schema.Summary, took time.Duration) {
	now := time.Now().UTC()
	h.mu.Lock()
	h.stats.Synced++
	h.stats.LastSyncedID = summary.ConversationID
	h.stats.LastSyncedAt = &now
	h.mu.Unlock()

	h.send(MessageTypeSessionSynced, SessionSyncedData{
		Summary:    summary,
		DurationMs: took.Milliseconds(),
	})
}

// OnSyncFailed implements sync.Notifier.
func (h *Handler) OnSyncFailed(conversationID string, err error) {
	now := time.Now().UTC()
	h.mu.Lock()
	h.stats.Failed++
	h.stats.LastFailureAt = &now
	h.mu.Unlock()

	data := SyncFailedData{ConversationID: conversationID, Retryable: history.IsRetryable(err)}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeSyncFailed, data)
}

// OnSyncComplete implements sync.Notifier.
func (h *Handler) OnSyncComplete(report *sync.Report) {
	if report == nil {
		return
	}
	h.mu.Lock()
	h.stats.FullSyncs++
	h.mu.Unlock()

	h.logger.Printf("Sync complete: %d synced, %d skipped, %d failed in %v",
		report.Synced, report.Skipped, report.Failed(), report.Duration)

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Total:      report.Total,
		Synced:     report.Synced,
		Skipped:    report.Skipped,
		Unreadable: report.Unreadable,
		Retryable:  report.Retryable,
		Fatal:      report.Fatal,
		DurationMs: report.Duration.Milliseconds(),
	})
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) statsMessage() ([]byte, error) {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}

func (h *Handler) send(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	if h.server == nil {
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
