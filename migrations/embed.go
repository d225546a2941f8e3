package migrations

import "embed"

// Files embeds the SQL migrations.
//
//go:embed *.sql
var Files embed.FS
