package migrations

import "embed"

// FS contains the embedded schema migrations shared by SQLite and Postgres.
//
//go:embed *.sql
var FS embed.FS
