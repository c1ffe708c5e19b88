package api

import (
	"net/http"
	"time"

	"github.com/lenshq/backend/internal/database"
	"github.com/lenshq/backend/internal/stream"
)

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	stream.ServeWS(s.streams, s.logger, w, r, sess.ID)
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// The server-wide write timeout would cut the stream off; lift it for
	// this response only.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("write deadline reset unsupported")
	}
	stream.ServeSSE(s.streams, s.logger, w, r, sess.ID, s.cfg.Stream.Heartbeat())
}

type pollResponse struct {
	Events  []database.StreamEvent `json:"events"`
	LastSeq int64                  `json:"last_seq"`
	HasMore bool                   `json:"has_more"`
}

// handlePollEvents is the catch-up transport. Durable rows answer
// immediately; an empty result long-polls the live channel, then re-queries
// so the response is always the stored merged view.
func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	since := queryInt64(r, "since", 0)
	limit := s.cfg.Stream.PollMaxEvents
	wait := s.pollWait(r)

	events, err := s.store.PollEvents(r.Context(), sess.ID, since, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if len(events) == 0 && wait > 0 {
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(wait + 10*time.Second)); err != nil {
			s.logger.Debug().Err(err).Msg("write deadline reset unsupported")
		}

		sub := s.streams.Subscribe(sess.ID, "poll")
		defer s.streams.Unsubscribe(sub)

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-r.Context().Done():
		case <-timer.C:
		case <-sub.C():
			events, err = s.store.PollEvents(r.Context(), sess.ID, since, limit)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
		}
	}

	resp := pollResponse{Events: events, LastSeq: since, HasMore: len(events) == limit}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// pollWait caps the client-requested timeout at the configured maximum.
// timeout=0 turns the request into a plain read.
func (s *Server) pollWait(r *http.Request) time.Duration {
	max := s.cfg.Stream.PollTimeout()
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return max
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return max
	}
	if d > max {
		return max
	}
	return d
}
