// Package database provides SQLite connectivity for the delivery journal.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Applying and rolling back schema migrations from an fs.FS
//   - Health checks and transaction helpers
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Journal.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    log.Fatal(err)
//	}
package database
