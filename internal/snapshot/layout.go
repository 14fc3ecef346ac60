// Package snapshot implements the store's write path and read path: staging
// transactions, segment publication, manifest integrity, the durable
// atomic pointer swap, pinned snapshot views, compaction, and GC.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/codegrep/pkg/types"
)

var (
	// ErrStoreCorrupt is returned when no valid snapshot can be recovered.
	ErrStoreCorrupt = errors.New("store corrupt")
	// ErrNoSnapshot is returned when the store has never published.
	ErrNoSnapshot = errors.New("no published snapshot")
)

// Store is the on-disk artifact directory for one
// (canonical_root, config_fingerprint) identity.
type Store struct {
	Root string // <base>/data/<store_id>
}

// SharedGroup selects same-host-same-group permissions at creation. The mode
// chosen at creation is kept for the store's life.
type Perms struct {
	SharedGroup bool
}

// OpenStore creates or opens a store directory with its standard layout.
func OpenStore(baseDir, storeID string, perms Perms) (*Store, error) {
	root := filepath.Join(baseDir, "data", storeID)
	dirMode := os.FileMode(0o700)
	if perms.SharedGroup {
		dirMode = 0o770 | os.ModeSetgid
	}
	for _, dir := range []string{
		root,
		filepath.Join(root, "snapshots"),
		filepath.Join(root, "segments"),
		filepath.Join(root, "staging"),
		filepath.Join(root, "locks"),
	} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
		}
	}
	return &Store{Root: root}, nil
}

func (s *Store) PointerPath() string    { return filepath.Join(s.Root, "ACTIVE_SNAPSHOT") }
func (s *Store) IndexStatePath() string { return filepath.Join(s.Root, "index_state.json") }
func (s *Store) SnapshotsDir() string   { return filepath.Join(s.Root, "snapshots") }
func (s *Store) SegmentsDir() string    { return filepath.Join(s.Root, "segments") }
func (s *Store) StagingDir() string     { return filepath.Join(s.Root, "staging") }
func (s *Store) LocksDir() string       { return filepath.Join(s.Root, "locks") }
func (s *Store) SnapshotDir(id uint64) string {
	return filepath.Join(s.SnapshotsDir(), fmt.Sprintf("%020d", id))
}
func (s *Store) SegmentPath(segmentID string) string {
	return filepath.Join(s.SegmentsDir(), segmentID+".db")
}

// SegmentID composes the deterministic segment name for one sync transaction.
func SegmentID(snapshotID uint64, seq int) string {
	return fmt.Sprintf("seg_%d_%d", snapshotID, seq)
}

// ReadActivePointer reads the active snapshot id. The pointer file holds the
// id and a trailing newline; a missing pointer reports ErrNoSnapshot and an
// unparseable one ErrStoreCorrupt.
func (s *Store) ReadActivePointer() (uint64, error) {
	data, err := os.ReadFile(s.PointerPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNoSnapshot
	}
	if err != nil {
		return 0, err
	}
	id, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: unparseable pointer %q", ErrStoreCorrupt, string(data))
	}
	return id, nil
}

// writeActivePointer durably swaps the pointer: temp file, fsync, rename,
// fsync parent. The rename is the publish commit point.
func (s *Store) writeActivePointer(id uint64) error {
	tmp := s.PointerPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", id); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.PointerPath()); err != nil {
		return err
	}
	return syncDir(s.Root)
}

// syncDir fsyncs a directory so a rename within it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

// IndexState is the sidecar recording the store's last sync, used by status
// and stale-config detection.
type IndexState struct {
	SchemaVersion     string    `json:"schema_version"`
	ConfigFingerprint string    `json:"config_fingerprint"`
	IgnoreFingerprint string    `json:"ignore_fingerprint"`
	LastHead          string    `json:"last_head,omitempty"`
	LastSyncAt        time.Time `json:"last_sync_at"`
	LastSnapshotID    uint64    `json:"last_snapshot_id"`
}

// WriteIndexState persists the sidecar; best effort, not publish-critical.
func (s *Store) WriteIndexState(state *IndexState) error {
	state.SchemaVersion = types.SchemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.IndexStatePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.IndexStatePath())
}

// ReadIndexState loads the sidecar, nil when absent.
func (s *Store) ReadIndexState() (*IndexState, error) {
	data, err := os.ReadFile(s.IndexStatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state IndexState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil // torn sidecar is ignorable
	}
	return &state, nil
}

// ListSnapshotIDs returns published snapshot ids in ascending order.
func (s *Store) ListSnapshotIDs() ([]uint64, error) {
	entries, err := os.ReadDir(s.SnapshotsDir())
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, perr := strconv.ParseUint(strings.TrimLeft(e.Name(), "0"), 10, 64)
		if perr != nil {
			// Directory names are zero padded; all-zero means id 0.
			if strings.Trim(e.Name(), "0") == "" {
				continue
			}
			continue
		}
		ids = append(ids, id)
	}
	sortUint64(ids)
	return ids, nil
}

func sortUint64(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
