// Package migrations contains embedded SQL migrations for the local identity store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
