// Package pipeline holds the persistence layer for the orchestration core:
// jobs, tasks, artifacts, prompts, and system events. All multi-row writes
// run inside a single transaction; system events are appended in the same
// transaction as the transition they record.
package pipeline

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/atelierhq/helix/internal/pkg/dbctx"
)

// conn picks the caller's transaction when present, else the base handle.
func conn(dbc dbctx.Context, db *gorm.DB) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return db
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
