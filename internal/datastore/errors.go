package datastore

import (
	"strings"

	"github.com/aleister1102/webtrack/internal/common"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = common.ErrNotFound

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Concurrent writers rely on this to treat "already inserted"
// as success.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports whether err is a SQLite foreign-key
// failure. The archiver queues such deletes for a retry pass.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
