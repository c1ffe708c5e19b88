package database

import (
	"context"

	"github.com/lenshq/backend/internal/core"
)

// CreateProject inserts a project with its API key already generated.
func (s *Store) CreateProject(ctx context.Context, name, apiKey string) (*core.Project, error) {
	const q = `
		INSERT INTO projects (name, api_key)
		VALUES ($1, $2)
		RETURNING id, name, api_key, created_at`
	var p core.Project
	if err := s.db.GetContext(ctx, &p, q, name, apiKey); err != nil {
		return nil, translate("database.CreateProject", err)
	}
	return &p, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*core.Project, error) {
	const q = `SELECT id, name, api_key, created_at FROM projects WHERE id = $1`
	var p core.Project
	if err := s.db.GetContext(ctx, &p, q, id); err != nil {
		return nil, getErr("project", "database.GetProject", err)
	}
	return &p, nil
}

// GetProjectByAPIKey resolves the authenticated project for a capture key.
// The api_key column is unique; this is the hot auth path and is cached
// upstream.
func (s *Store) GetProjectByAPIKey(ctx context.Context, apiKey string) (*core.Project, error) {
	const q = `SELECT id, name, api_key, created_at FROM projects WHERE api_key = $1`
	var p core.Project
	if err := s.db.GetContext(ctx, &p, q, apiKey); err != nil {
		return nil, getErr("project", "database.GetProjectByAPIKey", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first. Admin surface only.
func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	const q = `SELECT id, name, api_key, created_at FROM projects ORDER BY created_at DESC`
	projects := []core.Project{}
	if err := s.db.SelectContext(ctx, &projects, q); err != nil {
		return nil, translate("database.ListProjects", err)
	}
	return projects, nil
}
