// Package migrations embeds the ordered, named goose DDL scripts applied by
// SchemaBootstrap.
package migrations

import "embed"

// FS exposes the embedded migration files to goose.
//
//go:embed *.sql
var FS embed.FS
