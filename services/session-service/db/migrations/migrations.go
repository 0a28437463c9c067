// Package migrations embeds the session-service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
