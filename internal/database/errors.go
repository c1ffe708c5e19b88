package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/lenshq/backend/internal/core"
)

// Postgres error codes the adapter branches on.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgTooManyConnections  = "53300"
	pgAdminShutdown       = "57P01"
)

// translate maps driver errors onto the service taxonomy. This is the only
// place that inspects pq error codes; callers branch on core classes.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return core.Conflict(op, err)
		case pgForeignKeyViolation:
			return core.Invalidf("%s: referenced row does not exist", op)
		case pgSerializationFail, pgDeadlockDetected, pgTooManyConnections, pgAdminShutdown:
			return core.Transient(op, err)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return core.Transient(op, err)
		}
		return core.Fatalf(op, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return core.Transient(op, err)
	case errors.Is(err, sql.ErrNoRows):
		return core.NotFound("row")
	}
	return core.Fatalf(op, err)
}

// getErr is translate for single-row reads, naming the missing entity.
func getErr(entity, op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound(entity)
	}
	return translate(op, err)
}
