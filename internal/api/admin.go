package api

import (
	"net/http"
	"time"

	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/ingest"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

// handleCreateProject provisions a project and returns its API key. This is
// the only place the key is ever served; the list endpoint redacts it.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := ingest.DecodeBody(w, r, s.cfg.Ingest.MaxBodyBytes, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Name == "" {
		s.respondError(w, r, core.Invalid("name is required"))
		return
	}

	apiKey, err := core.NewAPIKey()
	if err != nil {
		s.respondError(w, r, core.Fatalf("api.CreateProject", err))
		return
	}
	proj, err := s.store.CreateProject(r.Context(), req.Name, apiKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info().Str("project_id", proj.ID).Str("name", proj.Name).Msg("project created")
	s.respondJSON(w, http.StatusCreated, proj)
}

type projectSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectSummary{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"projects": out,
		"count":    len(out),
	})
}
