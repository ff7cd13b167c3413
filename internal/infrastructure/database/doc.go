// Package database provides SQLite database connectivity for Gray Logic Sync.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations through golang-migrate over the embedded migrations
//   - Connection lifecycle (a single writer connection shared by all repositories)
//
// Every table in the durable contract lives here: integrations, devices and
// their service assignments, the sync queue, conflicts, schedules, and the
// sync, activity and notification logs. A restart resumes from this state.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
