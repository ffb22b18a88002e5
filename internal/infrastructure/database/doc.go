// Package database provides SQLite connectivity for the fleet store.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded schema migrations (devices, activity_logs, device_notifications)
//   - Transaction helper used by the device, audit and notification stores
//
// All queries in the repositories use parameterised statements. The
// database file is restricted to owner read/write.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a
// DEFAULT, and each .up.sql has a matching .down.sql.
package database
