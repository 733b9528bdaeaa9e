package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// IsUniqueViolation reports whether err (as returned by InsertJob/InsertRequest,
// still wrapped with coreerrors.ErrTransientDB) failed on JOB_QUEUE's or
// REQUEST_QUEUE's UNIQUE constraints. QM treats this as "already queued"
// rather than a transient failure (§4.4 duplicate-event handling).
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
