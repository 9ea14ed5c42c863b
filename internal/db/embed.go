// Package db holds the embedded schema migrations.
package db

import "embed"

// MigrationFS embeds the SQL migrations applied by internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
