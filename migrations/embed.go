// Package migrations holds the SQL schema applied by pkg/database.Migrator
package migrations

import "embed"

// FS contains every NNN_name.sql file in this directory
//
//go:embed *.sql
var FS embed.FS
