package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/lenshq/backend/internal/core"
)

const errorColumns = `id, project_id, session_id, seq, error_group_id, fingerprint, message,
	error_class, stack_trace, url, severity, status_code, user_id, user_agent, metadata, created_at`

const insertBatchSize = 100

// InsertError stores one occurrence and returns its assigned ID.
func (s *Store) InsertError(ctx context.Context, e *core.Error) (string, error) {
	const q = `
		INSERT INTO errors
			(project_id, session_id, seq, message, error_class, stack_trace, url,
			 severity, status_code, user_id, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`
	var id string
	err := s.db.GetContext(ctx, &id, q,
		e.ProjectID, e.SessionID, e.Seq, e.Message, e.ErrorClass, e.StackTrace, e.URL,
		e.Severity, e.StatusCode, e.UserID, e.UserAgent, e.Metadata, e.CreatedAt.UTC())
	if err != nil {
		return "", translate("database.InsertError", err)
	}
	return id, nil
}

// InsertErrorBatch stores occurrences in chunks of 100. A failed chunk falls
// back to per-row inserts so one bad row cannot sink its neighbors. The
// returned slice is positionally aligned with the input; entries for rows
// that could not be stored are empty strings. The error is non-nil only when
// storage itself is unreachable; per-row rejections surface as gaps.
func (s *Store) InsertErrorBatch(ctx context.Context, batch []*core.Error) ([]string, error) {
	ids := make([]string, len(batch))
	if len(batch) == 0 {
		return ids, nil
	}

	for start := 0; start < len(batch); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		chunkIDs, err := s.insertErrorChunk(ctx, chunk)
		if err == nil {
			copy(ids[start:end], chunkIDs)
			continue
		}
		if core.IsTransient(err) {
			return ids, err // whole pool is down; retrying rows is pointless
		}
		for i, e := range chunk {
			id, rowErr := s.InsertError(ctx, e)
			if rowErr != nil {
				if core.IsTransient(rowErr) {
					return ids, rowErr
				}
				continue
			}
			ids[start+i] = id
		}
	}
	return ids, nil
}

// insertErrorChunk performs one multi-row VALUES insert. RETURNING id keeps
// input order: Postgres returns rows of a VALUES insert in insertion order.
func (s *Store) insertErrorChunk(ctx context.Context, chunk []*core.Error) ([]string, error) {
	const cols = 13
	var sb strings.Builder
	sb.WriteString(`INSERT INTO errors
		(project_id, session_id, seq, message, error_class, stack_trace, url,
		 severity, status_code, user_id, user_agent, metadata, created_at) VALUES `)
	args := make([]interface{}, 0, len(chunk)*cols)
	for i, e := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		sb.WriteByte('(')
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteByte(')')
		args = append(args,
			e.ProjectID, e.SessionID, e.Seq, e.Message, e.ErrorClass, e.StackTrace, e.URL,
			e.Severity, e.StatusCode, e.UserID, e.UserAgent, e.Metadata, e.CreatedAt.UTC())
	}
	sb.WriteString(` RETURNING id`)

	rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate("database.insertErrorChunk", err)
	}
	defer rows.Close()

	ids := make([]string, 0, len(chunk))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate("database.insertErrorChunk", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("database.insertErrorChunk", err)
	}
	if len(ids) != len(chunk) {
		return nil, core.Fatalf("database.insertErrorChunk",
			fmt.Errorf("returned %d ids for %d rows", len(ids), len(chunk)))
	}
	return ids, nil
}

// AssignGroup sets (error_group_id, fingerprint) exactly once. Rows already
// assigned are left untouched, which makes grouping retries idempotent.
func (s *Store) AssignGroup(ctx context.Context, errorID, groupID, fp string) error {
	const q = `
		UPDATE errors SET error_group_id = $2, fingerprint = $3
		WHERE id = $1 AND error_group_id IS NULL`
	if _, err := s.db.ExecContext(ctx, q, errorID, groupID, fp); err != nil {
		return translate("database.AssignGroup", err)
	}
	return nil
}

// GetError fetches one occurrence by ID.
func (s *Store) GetError(ctx context.Context, id string) (*core.Error, error) {
	const q = `SELECT ` + errorColumns + ` FROM errors WHERE id = $1`
	var e core.Error
	if err := s.db.GetContext(ctx, &e, q, id); err != nil {
		return nil, getErr("error", "database.GetError", err)
	}
	return &e, nil
}

// ListErrors pages through a project's occurrences, newest first. The
// status filter matches the owning group's status.
func (s *Store) ListErrors(ctx context.Context, projectID string, f ErrorFilter, p Pagination) ([]core.Error, error) {
	p = p.Normalize()
	if f.GroupStatus != "" && !core.ValidStatus(f.GroupStatus) {
		return nil, core.Invalidf("unknown status %q", f.GroupStatus)
	}

	q := `SELECT ` + prefixColumns("e", errorColumns) + ` FROM errors e`
	args := []interface{}{projectID}
	where := ` WHERE e.project_id = $1`

	if f.SessionID != "" {
		q += ` JOIN sessions s ON s.id = e.session_id`
		args = append(args, f.SessionID)
		where += argClause(` AND s.session_id =`, len(args))
	}
	if f.GroupStatus != "" {
		q += ` JOIN error_groups g ON g.id = e.error_group_id`
		args = append(args, f.GroupStatus)
		where += argClause(` AND g.status =`, len(args))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate.UTC())
		where += argClause(` AND e.created_at >=`, len(args))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate.UTC())
		where += argClause(` AND e.created_at <=`, len(args))
	}

	args = append(args, p.Limit, p.offset())
	q += where + ` ORDER BY e.created_at DESC` +
		argClause(` LIMIT`, len(args)-1) + argClause(` OFFSET`, len(args))

	errs := []core.Error{}
	if err := s.db.SelectContext(ctx, &errs, q, args...); err != nil {
		return nil, translate("database.ListErrors", err)
	}
	return errs, nil
}

// prefixColumns qualifies a comma-separated column constant with a table
// alias for join queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
