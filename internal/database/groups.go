package database

import (
	"context"
	"strings"
	"time"

	"github.com/lenshq/backend/internal/core"
)

const groupColumns = `id, project_id, fingerprint, pattern_hash, title, message_template,
	stack_pattern, url_pattern, first_seen, last_seen, total_occurrences, unique_users,
	status, priority, assigned_to, tags, metadata, created_at, updated_at`

// GetGroupByFingerprint is the exact-match lookup on the grouping hot path.
func (s *Store) GetGroupByFingerprint(ctx context.Context, projectID, fingerprint string) (*core.ErrorGroup, error) {
	const q = `SELECT ` + groupColumns + ` FROM error_groups WHERE project_id = $1 AND fingerprint = $2`
	var g core.ErrorGroup
	if err := s.db.GetContext(ctx, &g, q, projectID, fingerprint); err != nil {
		return nil, getErr("error group", "database.GetGroupByFingerprint", err)
	}
	return &g, nil
}

// GetGroup fetches a group by primary key.
func (s *Store) GetGroup(ctx context.Context, id string) (*core.ErrorGroup, error) {
	const q = `SELECT ` + groupColumns + ` FROM error_groups WHERE id = $1`
	var g core.ErrorGroup
	if err := s.db.GetContext(ctx, &g, q, id); err != nil {
		return nil, getErr("error group", "database.GetGroup", err)
	}
	return &g, nil
}

// CandidatesByPatternHash returns up to limit similarity candidates, most
// recently seen first. The order is part of the tie-breaking contract.
func (s *Store) CandidatesByPatternHash(ctx context.Context, projectID, patternHash string, limit int) ([]core.ErrorGroup, error) {
	const q = `
		SELECT ` + groupColumns + ` FROM error_groups
		WHERE project_id = $1 AND pattern_hash = $2
		ORDER BY last_seen DESC
		LIMIT $3`
	groups := []core.ErrorGroup{}
	if err := s.db.SelectContext(ctx, &groups, q, projectID, patternHash, limit); err != nil {
		return nil, translate("database.CandidatesByPatternHash", err)
	}
	return groups, nil
}

// CreateGroup inserts a brand-new group. A unique-constraint race surfaces
// as Conflict; the grouping engine re-reads and attaches.
func (s *Store) CreateGroup(ctx context.Context, g *core.ErrorGroup) (*core.ErrorGroup, error) {
	const q = `
		INSERT INTO error_groups
			(project_id, fingerprint, pattern_hash, title, message_template,
			 stack_pattern, url_pattern, first_seen, last_seen, total_occurrences,
			 unique_users, status, priority, tags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + groupColumns
	var created core.ErrorGroup
	err := s.db.GetContext(ctx, &created, q,
		g.ProjectID, g.Fingerprint, g.PatternHash, g.Title, g.MessageTemplate,
		g.StackPattern, g.URLPattern, g.FirstSeen.UTC(), g.LastSeen.UTC(), g.TotalOccurrences,
		g.UniqueUsers, g.Status, g.Priority, g.Tags, g.Metadata)
	if err != nil {
		return nil, translate("database.CreateGroup", err)
	}
	return &created, nil
}

// TouchGroup records one more occurrence: the counter increments atomically
// in SQL and last_seen only moves forward. Never read-modify-write.
func (s *Store) TouchGroup(ctx context.Context, groupID string, seenAt time.Time) (*core.ErrorGroup, error) {
	const q = `
		UPDATE error_groups SET
			total_occurrences = total_occurrences + 1,
			last_seen = GREATEST(last_seen, $2),
			updated_at = now()
		WHERE id = $1
		RETURNING ` + groupColumns
	var g core.ErrorGroup
	if err := s.db.GetContext(ctx, &g, q, groupID, seenAt.UTC()); err != nil {
		return nil, getErr("error group", "database.TouchGroup", err)
	}
	return &g, nil
}

// RecordGroupUser counts a user toward the group's unique_users exactly once.
func (s *Store) RecordGroupUser(ctx context.Context, groupID, userID string) error {
	const ins = `
		INSERT INTO error_group_users (error_group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	res, err := s.db.ExecContext(ctx, ins, groupID, userID)
	if err != nil {
		return translate("database.RecordGroupUser", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate("database.RecordGroupUser", err)
	}
	if n == 0 {
		return nil // user already counted
	}
	const bump = `UPDATE error_groups SET unique_users = unique_users + 1 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, bump, groupID); err != nil {
		return translate("database.RecordGroupUser", err)
	}
	return nil
}

// SetGroupMetadata persists the typed metadata view (similar fingerprints,
// resolution notes).
func (s *Store) SetGroupMetadata(ctx context.Context, groupID string, meta core.GroupMetadata) error {
	const q = `UPDATE error_groups SET metadata = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, groupID, meta); err != nil {
		return translate("database.SetGroupMetadata", err)
	}
	return nil
}

// GroupPatch carries the PATCH surface. Nil fields are left unchanged.
type GroupPatch struct {
	Status          *string
	Priority        *string
	AssignedTo      *string
	Tags            *core.Tags
	ResolutionNotes *string
}

// Validate rejects out-of-enum values before any SQL runs.
func (p GroupPatch) Validate() error {
	if p.Status != nil && !core.ValidStatus(*p.Status) {
		return core.Invalidf("unknown status %q", *p.Status)
	}
	if p.Priority != nil && !core.ValidPriority(*p.Priority) {
		return core.Invalidf("unknown priority %q", *p.Priority)
	}
	if p.Status == nil && p.Priority == nil && p.AssignedTo == nil && p.Tags == nil && p.ResolutionNotes == nil {
		return core.Invalid("empty patch")
	}
	return nil
}

// PatchGroup applies a partial update from the closed field set and returns
// the fresh row. Resolution notes live inside the typed metadata.
func (s *Store) PatchGroup(ctx context.Context, groupID string, patch GroupPatch) (*core.ErrorGroup, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	sets := make([]string, 0, 5)
	args := []interface{}{groupID}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, argClause(col+" =", len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.AssignedTo != nil {
		add("assigned_to", *patch.AssignedTo)
	}
	if patch.Tags != nil {
		add("tags", *patch.Tags)
	}
	if patch.ResolutionNotes != nil {
		g, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		meta := g.Metadata
		meta.ResolutionNotes = *patch.ResolutionNotes
		add("metadata", meta)
	}

	q := `UPDATE error_groups SET ` + strings.Join(sets, ", ") +
		`, updated_at = now() WHERE id = $1 RETURNING ` + groupColumns
	var g core.ErrorGroup
	if err := s.db.GetContext(ctx, &g, q, args...); err != nil {
		return nil, getErr("error group", "database.PatchGroup", err)
	}
	return &g, nil
}

// ListGroups pages through a project's groups with whitelisted filters and
// sort keys.
func (s *Store) ListGroups(ctx context.Context, projectID string, f GroupFilter, p Pagination) ([]core.ErrorGroup, error) {
	p = p.Normalize()
	if err := f.validate(); err != nil {
		return nil, err
	}
	order, err := f.orderClause()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + groupColumns + ` FROM error_groups WHERE project_id = $1`
	args := []interface{}{projectID}

	if f.Status != "" {
		args = append(args, f.Status)
		q += argClause(` AND status =`, len(args))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		q += argClause(` AND priority =`, len(args))
	}
	if f.AssignedTo != "" {
		args = append(args, f.AssignedTo)
		q += argClause(` AND assigned_to =`, len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		q += argClause(` AND (title ILIKE`, n) + argClause(` OR message_template ILIKE`, n) + `)`
	}

	args = append(args, p.Limit, p.offset())
	q += " " + order + argClause(` LIMIT`, len(args)-1) + argClause(` OFFSET`, len(args))

	groups := []core.ErrorGroup{}
	if err := s.db.SelectContext(ctx, &groups, q, args...); err != nil {
		return nil, translate("database.ListGroups", err)
	}
	return groups, nil
}

// UpsertStatistic bumps the hour-aligned rollup for a group. userSeen and
// sessionSeen are 1 when the occurrence carried those identities.
func (s *Store) UpsertStatistic(ctx context.Context, projectID, groupID string, bucket time.Time, userSeen, sessionSeen int) error {
	const q = `
		INSERT INTO error_statistics
			(project_id, error_group_id, time_bucket, error_count, unique_users, unique_sessions)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (project_id, error_group_id, time_bucket) DO UPDATE SET
			error_count = error_statistics.error_count + 1,
			unique_users = error_statistics.unique_users + $4,
			unique_sessions = error_statistics.unique_sessions + $5,
			updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, projectID, groupID, bucket.UTC(), userSeen, sessionSeen); err != nil {
		return translate("database.UpsertStatistic", err)
	}
	return nil
}
