// Package schema defines the on-disk JSON format of conversation-history sessions.
//
// # Session Files
//
// Each session lives in its own file in the archive directory. The filename
// convention conversation-{conversationId}.json marks a file as a session
// record; anything else in the directory is ignored.
//
// Example: conversation-c-20240115-01.json
//
//	{
//	  "conversationId": "c-20240115-01",
//	  "title": "Refactor contact form",
//	  "project": "jouster",
//	  "startTime": "2024-01-15T10:30:00Z",
//	  "endTime": "2024-01-15T11:02:13Z",
//	  "messages": [
//	    {"role": "user", "content": "...", "timestamp": "2024-01-15T10:30:00Z"},
//	    {"role": "assistant", "content": "...", "timestamp": "2024-01-15T10:30:09Z"}
//	  ]
//	}
//
// Timestamps are ISO-8601 (RFC 3339). endTime is omitted for sessions that
// are still in progress. project defaults to DefaultProject.
//
// # Usage Examples
//
// Reading a session:
//
//	s, err := schema.ReadSessionFile("history/conversation-c1.json")
//
// Validating before sync:
//
//	if err := s.Validate(); err != nil {
//	    // errors.Is(err, history.ErrValidation) == true
//	}
//
// Writing a session:
//
//	err := schema.WriteSessionFile("history", s)
//
// # Design Principles
//
//   - One file per session (whole-file snapshots, last write wins)
//   - Filename encodes identity (directory listing is the index)
//   - Message order is conversation order and is never re-sorted
//   - Timestamps are normalized to UTC on read
package schema
