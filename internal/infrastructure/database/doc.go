// Package database provides the gateway's local SQLite store.
//
// The store holds the session journal: one row per connection cycle, used
// by the status API and for post-mortems after credential or broker trouble.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Forward-only schema migrations embedded in the binary
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
