package migrations

import "embed"

// FS embeds the PostgreSQL schema files, applied in name order.
//
//go:embed *.sql
var FS embed.FS
