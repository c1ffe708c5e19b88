package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/lenshq/backend/internal/core"
)

// Pagination bounds every list query. Limit is clamped to [1,100].
type Pagination struct {
	Page  int
	Limit int
}

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Normalize clamps page and limit into contract bounds.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

func (p Pagination) offset() int { return (p.Page - 1) * p.Limit }

// argClause appends a positional placeholder to a fixed SQL fragment.
// Fragments are compile-time constants; only placeholder numbers vary.
func argClause(prefix string, n int) string {
	return fmt.Sprintf("%s $%d", prefix, n)
}

// ErrorFilter narrows the error list. Zero values mean "no constraint".
type ErrorFilter struct {
	SessionID   string // external session_id
	GroupStatus string
	StartDate   time.Time
	EndDate     time.Time
}

// GroupSort is the closed sort whitelist for error-group listings.
var groupSortColumns = map[string]string{
	"last_seen":         "last_seen",
	"first_seen":        "first_seen",
	"total_occurrences": "total_occurrences",
	"priority":          "priority",
	"title":             "title",
	"created_at":        "created_at",
}

// GroupFilter narrows the group list.
type GroupFilter struct {
	Status     string
	Priority   string
	AssignedTo string
	Search     string
	SortBy     string
	SortOrder  string
}

// orderClause resolves the sort whitelist. Unknown columns and orders are
// rejected before any SQL is assembled.
func (f GroupFilter) orderClause() (string, error) {
	col := "last_seen"
	if f.SortBy != "" {
		c, ok := groupSortColumns[f.SortBy]
		if !ok {
			return "", core.Invalidf("unknown sort field %q", f.SortBy)
		}
		col = c
	}
	dir := "DESC"
	switch strings.ToLower(f.SortOrder) {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return "", core.Invalidf("unknown sort order %q", f.SortOrder)
	}
	return fmt.Sprintf("ORDER BY %s %s", col, dir), nil
}

func (f GroupFilter) validate() error {
	if f.Status != "" && !core.ValidStatus(f.Status) {
		return core.Invalidf("unknown status %q", f.Status)
	}
	if f.Priority != "" && !core.ValidPriority(f.Priority) {
		return core.Invalidf("unknown priority %q", f.Priority)
	}
	return nil
}

// SessionFilter narrows the session list. HasErrors is a tri-state.
type SessionFilter struct {
	UserID    string
	StartDate time.Time
	EndDate   time.Time
	HasErrors *bool
}
