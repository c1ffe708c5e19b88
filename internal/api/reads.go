package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/database"
	"github.com/lenshq/backend/internal/ingest"
	"github.com/lenshq/backend/internal/jobs"
)

const timelineLimit = 1000

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := database.ErrorFilter{
		SessionID:   q.Get("session_id"),
		GroupStatus: q.Get("status"),
	}
	if f.StartDate, err = queryTime(r, "start_date"); err != nil {
		s.respondError(w, r, err)
		return
	}
	if f.EndDate, err = queryTime(r, "end_date"); err != nil {
		s.respondError(w, r, err)
		return
	}

	p := pagination(r)
	rows, err := s.store.ListErrors(r.Context(), proj.ID, f, p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"errors": rows,
		"page":   p.Page,
		"limit":  p.Limit,
		"count":  len(rows),
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := database.GroupFilter{
		Status:     q.Get("status"),
		Priority:   q.Get("priority"),
		AssignedTo: q.Get("assigned_to"),
		Search:     q.Get("search"),
		SortBy:     q.Get("sort_by"),
		SortOrder:  q.Get("sort_order"),
	}

	p := pagination(r)
	rows, err := s.store.ListGroups(r.Context(), proj.ID, f, p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"error_groups": rows,
		"page":         p.Page,
		"limit":        p.Limit,
		"count":        len(rows),
	})
}

type patchGroupRequest struct {
	Status          *string    `json:"status"`
	Priority        *string    `json:"priority"`
	AssignedTo      *string    `json:"assigned_to"`
	Tags            *core.Tags `json:"tags"`
	ResolutionNotes *string    `json:"resolution_notes"`
}

// handlePatchGroup mutates triage fields on a group the caller owns, then
// invalidates the cached group and queues a stats refresh.
func (s *Server) handlePatchGroup(w http.ResponseWriter, r *http.Request) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		s.respondError(w, r, core.Unauthenticated("no authenticated project"))
		return
	}

	groupID := mux.Vars(r)["group_id"]
	group, err := s.store.GetGroup(r.Context(), groupID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if group.ProjectID != proj.ID {
		s.respondError(w, r, core.NotFound("error group"))
		return
	}

	var req patchGroupRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	updated, err := s.store.PatchGroup(r.Context(), groupID, database.GroupPatch{
		Status:          req.Status,
		Priority:        req.Priority,
		AssignedTo:      req.AssignedTo,
		Tags:            req.Tags,
		ResolutionNotes: req.ResolutionNotes,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.cache.Delete(r.Context(), cache.GroupKey(proj.ID, updated.Fingerprint)); err != nil {
		s.metrics.RecordCacheError()
		s.logger.Warn().Err(err).Str("group_id", groupID).Msg("group cache invalidation failed")
	}
	if _, err := s.jobs.Enqueue(jobs.KindStatsRecalc, jobs.PriorityMedium, jobs.StatsRecalcPayload{ProjectID: proj.ID}); err != nil {
		s.logger.Warn().Err(err).Str("project_id", proj.ID).Msg("stats recalculation enqueue failed")
	}
	// Alert on the transition only; re-patching a resolved group stays quiet.
	if group.Status != core.StatusResolved && updated.Status == core.StatusResolved {
		s.alerts.NotifyGroupResolved(updated)
	}

	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	days := queryInt(r, "days", 0)
	refresh := r.URL.Query().Get("refresh") == "1"

	payload, cached, err := s.stats.Get(r.Context(), proj.ID, days, refresh)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if cached {
		w.Header().Set("X-Cache", "hit")
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := database.SessionFilter{UserID: q.Get("user_id")}
	if f.StartDate, err = queryTime(r, "start_date"); err != nil {
		s.respondError(w, r, err)
		return
	}
	if f.EndDate, err = queryTime(r, "end_date"); err != nil {
		s.respondError(w, r, err)
		return
	}
	switch strings.ToLower(q.Get("has_errors")) {
	case "":
	case "true", "1":
		v := true
		f.HasErrors = &v
	case "false", "0":
		v := false
		f.HasErrors = &v
	default:
		s.respondError(w, r, core.Invalidf("unparseable has_errors %q", q.Get("has_errors")))
		return
	}

	p := pagination(r)
	rows, err := s.store.ListSessions(r.Context(), proj.ID, f, p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": rows,
		"page":     p.Page,
		"limit":    p.Limit,
		"count":    len(rows),
	})
}

// handleSessionTimeline returns the merged replay, network, and error
// timeline of one session in timestamp order.
func (s *Server) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	events, err := s.store.TimelineEvents(r.Context(), sess.ID, timelineLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.SessionID,
		"events":     events,
		"count":      len(events),
	})
}

type replayEvent struct {
	Seq      int64       `json:"seq"`
	Type     string      `json:"type"`
	ID       string      `json:"id"`
	OffsetMs int64       `json:"offset_ms"`
	Data     interface{} `json:"data"`
}

// handleSessionReplay is the replay player's source of truth: every event
// with its offset from session start, plus per-type counts and the total
// duration to size the scrubber.
func (s *Server) handleSessionReplay(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	events, err := s.store.TimelineEvents(r.Context(), sess.ID, timelineLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	counts := map[string]int{}
	out := make([]replayEvent, 0, len(events))
	var durationMs int64
	for _, ev := range events {
		offset := ev.Timestamp.Sub(sess.StartedAt).Milliseconds()
		if offset < 0 {
			offset = 0
		}
		if offset > durationMs {
			durationMs = offset
		}
		counts[ev.Type]++
		out = append(out, replayEvent{
			Seq:      ev.Seq,
			Type:     ev.Type,
			ID:       ev.ID,
			OffsetMs: offset,
			Data:     ev.Data,
		})
	}
	if sess.EndedAt != nil {
		if d := sess.EndedAt.Sub(sess.StartedAt).Milliseconds(); d > durationMs {
			durationMs = d
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":     sess,
		"duration_ms": durationMs,
		"counts":      counts,
		"events":      out,
	})
}
