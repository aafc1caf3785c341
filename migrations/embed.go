// Package migrations carries the tenant schema migrations inside the binary.
package migrations

import "embed"

// FS holds the numbered *.sql migrations applied to every tenant schema.
//
//go:embed *.sql
var FS embed.FS
