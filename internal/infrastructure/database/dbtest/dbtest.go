// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-sync/migrations" // registers embedded migrations
)

// New returns an in-memory database with every migration applied.
// The database is closed when the test finishes.
func New(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        database.MemoryPath,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // test cleanup
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}
