package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// Source header values.
const (
	sourceHeader  = "X-History-Source"
	sourceRemote  = "remote"
	sourceArchive = "archive"
)

type errorBody struct {
	Error string `json:"error"`
}

// handleList returns summaries sorted by startTime, newest first.
//
// Query parameters: source=archive|remote, project, limit.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		summaries []schema.Summary
		err       error
		source    = q.Get("source")
	)
	switch source {
	case "", sourceArchive:
		source = sourceArchive
		if s.config.Archive != nil {
			summaries, err = s.config.Archive.Summaries(r.Context())
		}
	case sourceRemote:
		if s.config.Remote == nil {
			writeError(w, http.StatusBadRequest, "remote listing is not configured")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		summaries, err = s.config.Remote.ListSummaries(ctx)
		cancel()
		archive.SortSummaries(summaries)
	default:
		writeError(w, http.StatusBadRequest, "source must be archive or remote")
		return
	}
	if err != nil {
		s.logger.Printf("Failed to list sessions from %s: %v", source, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	if project := q.Get("project"); project != "" {
		filtered := summaries[:0]
		for _, sum := range summaries {
			if strings.EqualFold(sum.Project, project) {
				filtered = append(filtered, sum)
			}
		}
		summaries = filtered
	}
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	if summaries == nil {
		summaries = []schema.Summary{}
	}

	w.Header().Set(sourceHeader, source)
	writeJSON(w, http.StatusOK, summaries)
}

// handleGet returns one full session. The store is asked first; the archive
// answers when the store does not have the session or cannot be reached.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var storeErr error
	if s.config.Sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		session, found, err := s.config.Sessions.GetSession(ctx, id)
		cancel()
		switch {
		case err != nil:
			storeErr = err
			s.logger.Printf("Warning: store lookup for %s failed, trying archive: %v", id, err)
		case found:
			w.Header().Set(sourceHeader, sourceRemote)
			writeJSON(w, http.StatusOK, session)
			return
		}
	}

	if s.config.Archive != nil {
		session, found, err := s.config.Archive.Get(r.Context(), id)
		if err != nil {
			s.logger.Printf("Warning: archive lookup for %s failed: %v", id, err)
		}
		if found {
			w.Header().Set(sourceHeader, sourceArchive)
			writeJSON(w, http.StatusOK, session)
			return
		}
	}

	if storeErr != nil {
		writeError(w, http.StatusServiceUnavailable, storeErr.Error())
		return
	}
	writeError(w, http.StatusNotFound, "conversation not found: "+id)
}

type healthBody struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Clients int    `json:"clients"`
	Stats   Stats  `json:"stats"`
}

// handleHealth reports liveness. An unreachable store does not make the
// server unhealthy; it is reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status:  "ok",
		Store:   "unconfigured",
		Clients: s.ClientCount(),
		Stats:   s.handler.Stats(),
	}
	if s.config.Sessions != nil {
		body.Store = "unreachable"
		if s.config.Sessions.CheckConnectivity(r.Context()) {
			body.Store = "reachable"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// statusFor maps a store error to an HTTP status.
func statusFor(err error) int {
	switch {
	case history.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case history.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrTableNotFound), errors.Is(err, history.ErrAuthorization):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
