// Package migrations embeds the numbered SQL migrations applied by
// `bloodbank-server migrate up` and when a tenant schema is created.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
