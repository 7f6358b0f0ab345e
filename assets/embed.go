// Package assets embeds the default settings file and SQL migrations.
package assets

import "embed"

//go:embed settings.yaml
var DefaultSettings []byte

// Migrations holds sql/*.sql, applied in lexical order.
//
//go:embed sql/*.sql
var Migrations embed.FS
