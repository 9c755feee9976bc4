// Package migrations embeds the webhook service schema.
package migrations

import "embed"

// FS holds the golang-migrate files. Dir is the root inside FS.
//
//go:embed *.sql
var FS embed.FS

const Dir = "."
