// Package migrations embeds the goose SQL migrations so the server binary
// can apply them at startup without shipping files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
