// Package migrations embeds the PostgreSQL schema so the server binary can
// migrate a database without shipping SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
