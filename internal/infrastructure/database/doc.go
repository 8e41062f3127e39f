// Package database provides SQLite database connectivity for lanlink.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded SQL schema migrations
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Schema migrations are additive-only: new columns must be nullable or have
// defaults, and columns are never dropped or renamed. Note that account-entry
// data migration (folding legacy single-device entries into the canonical
// registry entry) is a separate concern handled by the registry package.
package database
