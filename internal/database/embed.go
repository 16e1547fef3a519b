package database

import (
	"embed"
	"io/fs"
)

//go:embed migrations
var migrations embed.FS

// MigrationsFS returns the embedded schema migrations.
func MigrationsFS() fs.FS {
	return migrations
}
