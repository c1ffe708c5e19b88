package api

import (
	"net/http"

	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/ingest"
)

const idempotencyHeader = "X-Idempotency-Key"

// Capture bodies are read under the batch cap; all three endpoints accept
// bulk payloads so the single-event cap cannot be applied before parsing.

func (s *Server) handleCaptureError(w http.ResponseWriter, r *http.Request) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		s.respondError(w, r, core.Unauthenticated("no authenticated project"))
		return
	}
	var req ingest.CaptureErrorRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBatchBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.gateway.CaptureError(r.Context(), proj.ID, &req, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCaptureSessionEvent(w http.ResponseWriter, r *http.Request) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		s.respondError(w, r, core.Unauthenticated("no authenticated project"))
		return
	}
	var req ingest.CaptureSessionEventRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBatchBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.gateway.CaptureSessionEvents(r.Context(), proj.ID, &req, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCaptureNetworkEvent(w http.ResponseWriter, r *http.Request) {
	proj, err := core.ProjectFromContext(r.Context())
	if err != nil {
		s.respondError(w, r, core.Unauthenticated("no authenticated project"))
		return
	}
	var req ingest.CaptureNetworkEventRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBatchBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.gateway.CaptureNetworkEvents(r.Context(), proj.ID, &req, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}
