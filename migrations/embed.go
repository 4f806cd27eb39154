package migrations

import "embed"

// Files exposes the embedded SQL migrations. Each dialect lives in its own
// directory and files apply in lexicographic order.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
