// Package segment implements the SegmentStore capability over SQLite. Each
// segment is a standalone database file holding chunk rows, their embedding
// blobs, and an FTS5 index over the chunk text. Segments are written once by
// a staging transaction and are immutable after the snapshot referencing them
// publishes, which makes them safe to checksum, share between snapshots, and
// delete as whole files during GC.
//
// Two drivers are supported through build tags, selected exactly as in the
// rest of the dual-build setup: mattn/go-sqlite3 with the sqlite-vec
// extension under cgo, and modernc.org/sqlite for pure-Go builds with vector
// scoring computed in Go.
package segment
