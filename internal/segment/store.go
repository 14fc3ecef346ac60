package segment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/codegrep/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrSchemaTooNew is returned when a segment was written by a newer
	// binary than this one can read.
	ErrSchemaTooNew = errors.New("segment schema too new")
)

// SegmentSchemaVersion is stamped into every segment. Readers accept segments
// of the same major version that are not newer than this one.
const SegmentSchemaVersion = "1.0.0"

const segmentSchema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rows (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    row_id TEXT NOT NULL UNIQUE,
    chunk_id TEXT NOT NULL,
    path_key TEXT NOT NULL,
    path_key_ci TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    file_hash TEXT NOT NULL,
    chunk_hash TEXT NOT NULL,
    chunker_version TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    embedding BLOB NOT NULL,
    start_byte INTEGER NOT NULL DEFAULT 0,
    end_byte INTEGER NOT NULL DEFAULT 0,
    start_line INTEGER NOT NULL DEFAULT 0,
    num_lines INTEGER NOT NULL DEFAULT 0,
    language TEXT,
    anchor_name TEXT,
    context_before TEXT,
    context_after TEXT,
    UNIQUE(path_key, ordinal, kind)
);

CREATE INDEX IF NOT EXISTS idx_rows_path ON rows(path_key);

CREATE VIRTUAL TABLE IF NOT EXISTS rows_fts USING fts5(
    text,
    path_key UNINDEXED,
    content='rows',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS rows_fts_insert AFTER INSERT ON rows BEGIN
    INSERT INTO rows_fts(rowid, text, path_key) VALUES (new.rowid, new.text, new.path_key);
END;
`

// Table is one open segment database.
type Table struct {
	db   *sql.DB
	path string
}

// openDatabase opens a segment database with appropriate settings.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Create opens a new segment for appending during a staging transaction.
func Create(path string) (*Table, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}
	if _, err := db.Exec(segmentSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply segment schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, SegmentSchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Table{db: db, path: path}, nil
}

// Open opens a published segment and verifies its schema version. The
// connection uses the same read-write WAL settings as Create.
func Open(path string) (*Table, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	t := &Table{db: db, path: path}
	if err := t.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) checkSchema() error {
	var raw string
	err := t.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if err != nil {
		return fmt.Errorf("segment %s missing schema version: %w", t.path, err)
	}
	have, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("segment %s has invalid schema version %q: %w", t.path, raw, err)
	}
	supported := semver.MustParse(SegmentSchemaVersion)
	if have.Major() != supported.Major() || have.GreaterThan(supported) {
		return fmt.Errorf("%w: segment %s is %s, binary supports %s", ErrSchemaTooNew, t.path, raw, SegmentSchemaVersion)
	}
	return nil
}

// Path returns the segment file path.
func (t *Table) Path() string { return t.path }

// Close closes the database handle.
func (t *Table) Close() error { return t.db.Close() }

// Checkpoint flushes the WAL into the main database file so the segment is a
// single self-contained artifact before it is hashed and published.
func (t *Table) Checkpoint(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint segment: %w", err)
	}
	return nil
}

// AppendRows inserts a batch of chunk rows in one transaction.
func (t *Table) AppendRows(ctx context.Context, rows []*types.ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rows (
			row_id, chunk_id, path_key, path_key_ci, ordinal,
			file_hash, chunk_hash, chunker_version, kind, text, embedding,
			start_byte, end_byte, start_line, num_lines,
			language, anchor_name, context_before, context_after
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid chunk row for %s: %w", r.PathKey, err)
		}
		_, err := stmt.ExecContext(ctx,
			r.RowID, r.ChunkID, r.PathKey, r.PathKeyCI, r.Ordinal,
			r.FileHash, r.ChunkHash, r.ChunkerVersion, string(r.Kind), r.Text,
			SerializeVector(r.Embedding),
			r.StartByte, r.EndByte, r.StartLine, r.NumLines,
			r.Language, r.AnchorName, r.ContextBefore, r.ContextAfter,
		)
		if err != nil {
			return fmt.Errorf("failed to append row %s: %w", r.RowID, err)
		}
	}
	return tx.Commit()
}

// RowCount returns the number of rows in the segment.
func (t *Table) RowCount(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rows`).Scan(&n)
	return n, err
}

// PathKeys returns the distinct path keys present in the segment, sorted.
func (t *Table) PathKeys(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT DISTINCT path_key FROM rows ORDER BY path_key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// scanRow reads a full chunk row from a result set. Column order must match
// rowColumns.
const rowColumns = `
	row_id, chunk_id, path_key, path_key_ci, ordinal,
	file_hash, chunk_hash, chunker_version, kind, text, embedding,
	start_byte, end_byte, start_line, num_lines,
	language, anchor_name, context_before, context_after
`

func scanRow(rows *sql.Rows) (*types.ChunkRow, error) {
	var r types.ChunkRow
	var kind string
	var blob []byte
	var language, anchor, before, after sql.NullString
	err := rows.Scan(
		&r.RowID, &r.ChunkID, &r.PathKey, &r.PathKeyCI, &r.Ordinal,
		&r.FileHash, &r.ChunkHash, &r.ChunkerVersion, &kind, &r.Text, &blob,
		&r.StartByte, &r.EndByte, &r.StartLine, &r.NumLines,
		&language, &anchor, &before, &after,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = types.ChunkKind(kind)
	r.Embedding = DeserializeVector(blob)
	r.Language = language.String
	r.AnchorName = anchor.String
	r.ContextBefore = before.String
	r.ContextAfter = after.String
	return &r, nil
}

// RowsForPath returns every row for one path key, ordered by ordinal.
func (t *Table) RowsForPath(ctx context.Context, pathKey string) ([]*types.ChunkRow, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE path_key = ? ORDER BY ordinal`, pathKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*types.ChunkRow, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow fetches one row by row_id.
func (t *Table) GetRow(ctx context.Context, rowID string) (*types.ChunkRow, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE row_id = ?`, rowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRow(rows)
}
