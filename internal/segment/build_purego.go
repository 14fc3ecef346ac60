//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package segment

// Compiled without CGO or without the sqlite_vec tag. Vector similarity is
// computed in Go over the stored blobs; results are exact, which is also what
// deterministic mode requires.
//
// Build command:
//   CGO_ENABLED=0 go build -tags "purego" ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates if SQL-side vector distance is available.
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)
