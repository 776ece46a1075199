// Package migrations embeds the server-side schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
