// Package migrations holds the tenant schema for dental records.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
