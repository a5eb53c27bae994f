package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/jobkit/errors"
)

// ErrDatabaseClosed marks work attempted after the database was closed.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from using a closed database or
// connection. Workers and the schedule ticker use it to exit quietly on
// shutdown. The sqlite driver reports closure only in its message, hence the
// string match.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.IsAny(err, ErrDatabaseClosed, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
