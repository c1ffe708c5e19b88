package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/database"
)

type errorBody struct {
	Error         string `json:"error"`
	Class         string `json:"class"`
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

// respondError maps the error class to a status. Fatal and unknown errors
// keep their detail in the log; the body carries only the correlation ID.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := core.HTTPStatus(err)
	requestID := core.RequestIDFromContext(r.Context())

	body := errorBody{
		Error:     err.Error(),
		Class:     core.ClassOf(err).String(),
		RequestID: requestID,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("request failed")
		body.Error = "internal error"
		body.CorrelationID = core.CorrelationIDOf(err)
		if core.IsTransient(err) {
			body.Error = "dependency unavailable, retry later"
		}
	}
	s.respondJSON(w, status, body)
}

// projectFromPath returns the authenticated project after checking it owns
// the {project_id} path segment. A key for another project gets the same
// answer as a bad key.
func projectFromPath(r *http.Request) (*core.Project, error) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		return nil, core.Unauthenticated("no authenticated project")
	}
	if pid := mux.Vars(r)["project_id"]; pid != proj.ID {
		return nil, core.Unauthenticated("api key does not match project")
	}
	return proj, nil
}

// sessionFromPath resolves the external {session_id} within the
// authenticated project. Sessions of other projects come back NotFound.
func (s *Server) sessionFromPath(r *http.Request) (*core.Session, error) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		return nil, core.Unauthenticated("no authenticated project")
	}
	return s.store.GetSessionByExternalID(r.Context(), proj.ID, mux.Vars(r)["session_id"])
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// queryTime parses RFC3339 or date-only values. Zero time means absent;
// malformed input is Invalid rather than silently unfiltered.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, core.Invalidf("unparseable %s %q", name, raw)
}

func pagination(r *http.Request) database.Pagination {
	return database.Pagination{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 0),
	}.Normalize()
}
