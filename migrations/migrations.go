// Package migrations embeds the goose SQL migrations for the fraud schema.
package migrations

import "embed"

// FS holds every *.sql migration, named NNNNN_description.sql.
//
//go:embed *.sql
var FS embed.FS
