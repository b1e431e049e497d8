// Package migrations embeds the schema for each supported driver, one
// directory per database/sql driver name.
package migrations

import "embed"

//go:embed sqlite3/*.sql postgres/*.sql
var FS embed.FS
