// Package testing holds helpers shared by package tests. Import it as
// jobtest to keep the standard testing package name free.
package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/jobkit/db"
)

// CreateTestDB returns a migrated in-memory database that is closed when the
// test ends.
//
// The pool is capped at one connection. Tests must not keep rows open while
// issuing another query on the same database.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(db.MemoryPath, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return conn
}
