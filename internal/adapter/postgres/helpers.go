package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Driftwald/ReelStudio/internal/domain"
)

// rowScanner lets row-scan helpers accept both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty maps "" to SQL NULL for nullable uuid columns.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfZero maps nil and the zero time to SQL NULL.
func nilIfZero(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// emptyIfNil substitutes an empty slice for nil so JSON responses render []
// rather than null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// wrapNotFound translates pgx.ErrNoRows into domain.ErrNotFound, keeping
// any other error as the wrapped cause.
func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// execOne turns an Exec that touched zero rows into
// domain.ErrNotFound.
func execOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err == nil && tag.RowsAffected() == 0 {
		err = domain.ErrNotFound
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
