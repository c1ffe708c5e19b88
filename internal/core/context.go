package core

import (
	"context"
	"errors"
)

type contextKey string

const (
	projectKey   contextKey = "project"
	requestIDKey contextKey = "request_id"
)

// WithProject attaches the authenticated project to the request context.
func WithProject(ctx context.Context, p *Project) context.Context {
	return context.WithValue(ctx, projectKey, p)
}

// ProjectFromContext extracts the authenticated project.
func ProjectFromContext(ctx context.Context) (*Project, error) {
	p, ok := ctx.Value(projectKey).(*Project)
	if !ok || p == nil {
		return nil, errors.New("project context missing")
	}
	return p, nil
}

// WithRequestID attaches the request ID used in access logs and error bodies.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, empty if unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
