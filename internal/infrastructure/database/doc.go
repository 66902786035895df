// Package database opens the SQLite store holding items, things and the
// rule firing log.
//
// Open applies the connection pragmas (WAL, busy timeout, foreign keys)
// and Migrate applies pending up-migrations from an fs.FS, normally the
// embedded migrations.FS:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	...
//	err = db.Migrate(ctx, migrations.FS)
//
// Migrations are named YYYYMMDD_HHMMSS_description.up.sql with an optional
// .down.sql and run in a transaction each. Schema changes are additive:
// a new column is NULLABLE or has a DEFAULT so older binaries keep working
// against a migrated file.
package database
