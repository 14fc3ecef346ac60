package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/codegrep/pkg/types"
)

// ErrIntegrity marks manifest or artifact corruption.
var ErrIntegrity = errors.New("integrity violation")

// ArtifactRef names a file the manifest depends on, with the size and hash
// verified on open and before query reads.
type ArtifactRef struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// SegmentRef is a referenced segment artifact plus its row count.
type SegmentRef struct {
	ID string `json:"id"`
	ArtifactRef
	Rows int `json:"rows"`
}

// Counts summarizes the live view.
type Counts struct {
	Files      int `json:"files"`
	Chunks     int `json:"chunks"`
	Tombstones int `json:"tombstones"`
}

// Manifest fully defines a snapshot's live view without walking any parent
// chain.
type Manifest struct {
	SchemaVersion     string        `json:"schema_version"`
	SnapshotID        uint64        `json:"snapshot_id"`
	ParentSnapshotID  uint64        `json:"parent_snapshot_id"`
	CreatedAt         time.Time     `json:"created_at"`
	CanonicalRoot     string        `json:"canonical_root"`
	StoreID           string        `json:"store_id"`
	ConfigFingerprint string        `json:"config_fingerprint"`
	IgnoreFingerprint string        `json:"ignore_fingerprint"`
	LeaseEpoch        uint64        `json:"lease_epoch"`
	Git               types.GitInfo `json:"git"`
	Segments          []SegmentRef  `json:"segments"`
	Tombstones        []ArtifactRef `json:"tombstones"`
	SegmentFileIndex  ArtifactRef   `json:"segment_file_index"`
	Counts            Counts        `json:"counts"`
	Degraded          bool          `json:"degraded"`
	Errors            []string      `json:"errors,omitempty"`
}

// Tombstone is one line of the per-snapshot tombstone artifact.
type Tombstone struct {
	PathKey string `json:"path_key"`
	Reason  string `json:"reason"` // delete | replace | rename_from
}

// Tombstone reasons.
const (
	ReasonDelete     = "delete"
	ReasonReplace    = "replace"
	ReasonRenameFrom = "rename_from"
)

// SegIndexEntry maps one path key to the segment holding its live rows.
// Every publish writes the full coalesced index sorted by path key; readers
// apply lines in order, so the last line for a key wins.
type SegIndexEntry struct {
	PathKey   string `json:"path_key"`
	SegmentID string `json:"segment_id"`
}

// writeManifest writes the manifest JSON to path and fsyncs the file and its
// directory.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileSync(path, data); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// LoadManifest parses and structurally validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: unparseable manifest %s: %v", ErrIntegrity, path, err)
	}
	if m.SnapshotID == 0 || m.SchemaVersion == "" {
		return nil, fmt.Errorf("%w: manifest %s missing required fields", ErrIntegrity, path)
	}
	return &m, nil
}

// VerifyArtifacts checks existence, size, and hash of everything the manifest
// references. segDir and snapDir locate segment artifacts and per-snapshot
// artifacts respectively.
func (m *Manifest) VerifyArtifacts(segDir, snapDir string) error {
	for _, seg := range m.Segments {
		if err := verifyArtifact(filepath.Join(segDir, seg.Name), seg.ArtifactRef); err != nil {
			return err
		}
	}
	for _, ts := range m.Tombstones {
		if err := verifyArtifact(filepath.Join(snapDir, ts.Name), ts); err != nil {
			return err
		}
	}
	if m.SegmentFileIndex.Name != "" {
		if err := verifyArtifact(filepath.Join(snapDir, m.SegmentFileIndex.Name), m.SegmentFileIndex); err != nil {
			return err
		}
	}
	return nil
}

func verifyArtifact(path string, ref ArtifactRef) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: artifact %s missing: %v", ErrIntegrity, ref.Name, err)
	}
	if info.Size() != ref.SizeBytes {
		return fmt.Errorf("%w: artifact %s size %d, manifest says %d", ErrIntegrity, ref.Name, info.Size(), ref.SizeBytes)
	}
	sum, err := hashFile(path)
	if err != nil {
		return err
	}
	if sum != ref.SHA256 {
		return fmt.Errorf("%w: artifact %s checksum mismatch", ErrIntegrity, ref.Name)
	}
	return nil
}

// refFor stats and hashes a file into an ArtifactRef.
func refFor(path string) (ArtifactRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	sum, err := hashFile(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	return ArtifactRef{Name: filepath.Base(path), SizeBytes: info.Size(), SHA256: sum}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFileSync writes data and fsyncs the file.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeJSONL writes one JSON document per line and fsyncs.
func writeJSONL[T any](path string, items []T) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readJSONL parses a jsonl artifact.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []T
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64<<10), 4<<20)
	for scan.Scan() {
		line := scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("%w: bad line in %s: %v", ErrIntegrity, path, err)
		}
		out = append(out, item)
	}
	return out, scan.Err()
}
