package db

import "embed"

// MigrationFS holds the recordings schema, applied by cmd/migrate and on
// agent start.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
