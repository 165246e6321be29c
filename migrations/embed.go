// Package migrations embeds the schema files so a single binary can bring a
// fresh database up to date without shipping the SQL alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
