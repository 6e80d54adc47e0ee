package database

import (
	"strings"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// IsUniqueViolation reports whether err is a unique-constraint violation on
// either dialect. The deliverable version retry and the migration runner's
// concurrent-boot handling key off this.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsDuplicateColumn reports whether err is a duplicate-column DDL error.
// The migration runner treats these as success so a partially applied
// ALTER converges on re-run.
func IsDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42701"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), "duplicate column name")
	}
	// mattn sometimes surfaces plain errors for DDL.
	return strings.Contains(err.Error(), "duplicate column name")
}
