package testutil

import (
	"database/sql"
	"testing"

	"github.com/vrsandeep/pplx-kit/internal/db"
	"github.com/vrsandeep/pplx-kit/internal/logger"
)

// SetupTestDB returns a migrated in-memory SQLite database that is closed
// when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := db.Migrate(database, logger.Discard().Create("db")); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}
