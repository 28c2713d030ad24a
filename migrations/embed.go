// Package migrations embeds the Postgres schema.
package migrations

import "embed"

// FS holds the golang-migrate versioned SQL files.
//
//go:embed *.sql
var FS embed.FS
