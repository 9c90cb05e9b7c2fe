// Package database opens the SQLite store used by the accessory bridge.
//
// The store is optional. It holds the characteristic change journal and the
// schema_migrations bookkeeping table; the accessory cache itself never reads
// from it, so losing the file only loses history.
//
// Connections are opened with WAL journaling and a busy timeout so the
// history recorder can write while API handlers read. The pool is limited to
// a single connection because SQLite serialises writers anyway.
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_name.up.sql with an
// optional matching .down.sql. They are supplied as an fs.FS (normally the
// embedded migrations package) and applied oldest first, one transaction per
// file:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
