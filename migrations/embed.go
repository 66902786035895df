// Package migrations embeds SQL migration files into the binary.
package migrations

import "embed"

// FS holds every *.sql file in this directory, passed to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
