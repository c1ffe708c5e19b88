package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/lenshq/backend/internal/alerts"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/ingest"
)

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// handleCreateWebhook registers an alert destination. The signing secret is
// minted here and served in this response only; the list endpoint redacts it.
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req createWebhookRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, kind := range req.Events {
		if kind != alerts.KindGroupCreated && kind != alerts.KindGroupResolved {
			s.respondError(w, r, core.Invalidf("unknown alert kind %q", kind))
			return
		}
	}

	secret, err := core.NewWebhookSecret()
	if err != nil {
		s.respondError(w, r, core.Fatalf("api.CreateWebhook", err))
		return
	}
	events := pq.StringArray(req.Events)
	if events == nil {
		events = pq.StringArray{}
	}
	created, err := s.store.CreateWebhookEndpoint(r.Context(), &core.WebhookEndpoint{
		ProjectID: proj.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("project_id", proj.ID).
		Str("webhook_id", created.ID).
		Str("url", created.URL).
		Msg("webhook endpoint created")
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	endpoints, err := s.store.ListWebhookEndpoints(r.Context(), proj.ID, false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for i := range endpoints {
		endpoints[i].Secret = ""
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": endpoints,
		"count":    len(endpoints),
	})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	proj, err := projectFromPath(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.DeleteWebhookEndpoint(r.Context(), proj.ID, mux.Vars(r)["webhook_id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateWebhookURL admits absolute http(s) URLs only. Anything else would
// make the dispatcher a request proxy for arbitrary schemes.
func validateWebhookURL(raw string) error {
	if raw == "" {
		return core.Invalid("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return core.Invalidf("unsupported webhook url %q", raw)
	}
	return nil
}
