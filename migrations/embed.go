// Package migrations embeds the versioned SQL files applied by
// "carepulse-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
