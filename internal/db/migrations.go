package db

import "embed"

// MigrationsFS embeds the goose migration set so cmd/migrate runs against a
// single compiled binary with no separate SQL files to ship alongside it.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
