// Package migrations holds the ordered SQL schema for the event log,
// snapshots and projections. The statements are kept to the subset shared
// by Postgres and SQLite so both backends run the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
