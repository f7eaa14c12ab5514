package store

import (
	"strings"
)

// IsUniqueConstraintErr checks for SQLite unique constraint violations.
//
// Detection relies on modernc.org/sqlite error message format (v1.45+):
//
//	"constraint failed: UNIQUE constraint failed: table.col (2067)"
//
// If modernc changes its error format in a major version bump, update
// the string match below.
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyConstraintErr checks for SQLite foreign key violations.
// The bulk activity insert path uses this to fall back to per-row inserts
// that skip the violating rows.
func IsForeignKeyConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
