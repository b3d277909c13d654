// Package migrations embeds the goose SQL migrations for every supported backend.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the PostgreSQL migrations rooted at their directory.
func Postgres() fs.FS { return sub("postgres") }

// SQLite returns the SQLite migrations rooted at their directory.
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err) // embedded paths are fixed at compile time
	}
	return f
}
