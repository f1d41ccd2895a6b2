// Package public holds the pages served by murmur when no static directory is configured.
package public

import "embed"

//go:embed index.html room.html
var FS embed.FS
