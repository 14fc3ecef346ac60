//go:build sqlite_vec
// +build sqlite_vec

package segment

// Compiled when building with CGO and the sqlite_vec tag. Enables the
// sqlite-vec extension for SQL-side vector distance.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_vec,fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite3"

	// VectorExtensionAvailable indicates if SQL-side vector distance is available.
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)
