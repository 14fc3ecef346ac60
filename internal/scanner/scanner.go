package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/identity"
)

var (
	// ErrUnstableRead is returned when a file keeps changing during hashing.
	ErrUnstableRead = errors.New("file changed during read")
	// ErrCasefoldCollision fails strict publish when two paths fold to the
	// same case-insensitive key.
	ErrCasefoldCollision = errors.New("casefold collision")
	// ErrBinaryContent marks a file whose extension passed but whose bytes
	// sniff as binary. Ineligible content is a deterministic skip, never
	// fatal.
	ErrBinaryContent = errors.New("binary content")
)

const (
	headHashBytes   = 64 << 10 // prefix sampled by the precheck
	stableReadTries = 3
	maxSymlinkHops  = 32
)

// Scanner computes ChangeSets for one canonical root.
type Scanner struct {
	root    string
	cfg     *config.Config
	ignores *IgnoreSet
}

// New creates a scanner. The ignore set is loaded fresh per sync so ignore
// edits take effect on the next pass.
func New(root string, cfg *config.Config) (*Scanner, error) {
	ignores, err := LoadIgnores(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore files: %w", err)
	}
	return &Scanner{root: root, cfg: cfg, ignores: ignores}, nil
}

// Ignores exposes the loaded ignore inputs for fingerprinting.
func (s *Scanner) Ignores() *IgnoreSet { return s.ignores }

// Scan materializes the delta between prior (the last published state) and
// the filesystem, restricted by hint when it is partial.
func (s *Scanner) Scan(ctx context.Context, prior map[string]FileMeta, hint *Hint) (*ChangeSet, error) {
	cs := &ChangeSet{Skipped: make(map[string]string), Failed: make(map[string]string)}

	eligible, err := s.enumerate(ctx, cs, hint)
	if err != nil {
		return nil, err
	}

	// Casefold collision check over the whole would-be live view.
	if err := checkCasefold(eligible, prior, hint); err != nil {
		return nil, err
	}

	var syncBytes int64
	for key, info := range eligible {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		prev, known := prior[key]
		if known && prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime()) {
			continue // metadata unchanged
		}

		meta, err := s.hashFile(key)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if known {
					cs.Delete = append(cs.Delete, key)
				}
				continue
			}
			if errors.Is(err, ErrBinaryContent) {
				cs.Skipped[key] = "binary"
				if known {
					cs.Delete = append(cs.Delete, key)
				}
				continue
			}
			// Unreadable or unstable: the writer decides whether this is
			// fatal (strict) or enumerated (degraded).
			cs.Failed[key] = err.Error()
			continue
		}

		syncBytes += meta.Size
		if syncBytes > config.MaxBytesPerSync {
			return nil, fmt.Errorf("sync exceeds byte budget (%d > %d)", syncBytes, int64(config.MaxBytesPerSync))
		}

		if known {
			if prev.FileHash == meta.FileHash {
				continue // content identical after all
			}
			cs.Modify = append(cs.Modify, *meta)
		} else {
			cs.Add = append(cs.Add, *meta)
		}
	}

	// Deletions: recorded paths that vanished from the eligible set. Partial
	// hints only judge the paths they name.
	for key := range prior {
		if _, ok := eligible[key]; ok {
			continue
		}
		if hint != nil && !hint.Full && !hintCovers(hint, key) {
			continue
		}
		cs.Delete = append(cs.Delete, key)
	}

	s.detectRenames(cs, prior)
	return cs, nil
}

func hintCovers(hint *Hint, key string) bool {
	for _, p := range hint.Paths {
		if p == key {
			return true
		}
	}
	return false
}

// enumerate walks the root collecting eligible files keyed by path_key.
func (s *Scanner) enumerate(ctx context.Context, cs *ChangeSet, hint *Hint) (map[string]os.FileInfo, error) {
	out := make(map[string]os.FileInfo)

	consider := func(path string, d os.DirEntry) {
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return
		}
		key, err := identity.PathKey(rel)
		if err != nil {
			cs.Skipped[rel] = "invalid path"
			return
		}
		info, reason := s.eligible(key, path, d)
		if reason != "" {
			if reason != "ignored" {
				cs.Skipped[key] = reason
			}
			return
		}
		out[key] = info
	}

	if hint != nil && !hint.Full && len(hint.Paths) > 0 {
		// Hinted scan: stat only the named paths. The periodic reconcile
		// catches anything the watcher missed.
		for _, key := range hint.Paths {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			path := filepath.Join(s.root, filepath.FromSlash(key))
			info, err := os.Lstat(path)
			if err != nil {
				continue // deletion, judged against prior
			}
			consider(path, fakeDirEntry{info})
		}
		return out, nil
	}

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, rerr := filepath.Rel(s.root, path)
			if rerr == nil && rel != "." {
				if key, kerr := identity.PathKey(rel); kerr == nil && s.ignores.Ignored(key, true) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		consider(path, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// eligible applies the inclusion filters. An empty reason means eligible; the
// returned FileInfo is the stat of the resolved target.
func (s *Scanner) eligible(key, path string, d os.DirEntry) (os.FileInfo, string) {
	if s.ignores.Ignored(key, false) {
		return nil, "ignored"
	}

	info, err := d.Info()
	if err != nil {
		return nil, "unreadable"
	}

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, rerr := resolveWithin(s.root, path)
		if rerr != nil {
			return nil, "symlink escapes root"
		}
		info, err = os.Stat(resolved)
		if err != nil || info.IsDir() {
			return nil, "unreadable symlink"
		}
	} else if !info.Mode().IsRegular() {
		return nil, "not a regular file"
	}

	if info.Size() > config.MaxFileSize {
		return nil, "too large"
	}
	if chLang := supportedFile(key); !chLang {
		return nil, "unsupported type"
	}
	return info, ""
}

// supportedFile accepts source, documentation, diagram, and config files by
// extension, plus the extensionless names Makefile, Dockerfile, LICENSE and
// README.
func supportedFile(key string) bool {
	ext := strings.ToLower(filepath.Ext(key))
	switch ext {
	case ".go", ".rs", ".py", ".js", ".mjs", ".cjs", ".ts", ".tsx", ".java",
		".c", ".h", ".cc", ".cpp", ".hpp", ".cxx", ".rb", ".sh", ".bash",
		".md", ".markdown", ".mmd", ".mermaid", ".dot", ".puml",
		".json", ".yaml", ".yml", ".toml", ".txt", ".sql", ".proto":
		return true
	case "":
		base := filepath.Base(key)
		switch base {
		case "Makefile", "Dockerfile", "LICENSE", "README":
			return true
		}
	}
	return false
}

// resolveWithin resolves path and verifies the target stays under root with a
// bounded number of symlink hops.
func resolveWithin(root, path string) (string, error) {
	current := path
	for hop := 0; hop < maxSymlinkHops; hop++ {
		info, err := os.Lstat(current)
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", err
			}
			if !strings.HasPrefix(resolved+string(filepath.Separator), root+string(filepath.Separator)) {
				return "", fmt.Errorf("target %s escapes root", resolved)
			}
			return resolved, nil
		}
		target, err := os.Readlink(current)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = target
	}
	return "", fmt.Errorf("symlink chain exceeds %d hops", maxSymlinkHops)
}

// hashFile reads and hashes a file with stable-read retries: if size or mtime
// move during the read, the attempt is discarded. The head hash is computed
// and recorded but never compared; every call hashes the full content.
func (s *Scanner) hashFile(key string) (*FileMeta, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))

	var lastErr error
	for attempt := 0; attempt < stableReadTries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		after, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
			lastErr = ErrUnstableRead
			continue
		}

		if isBinary(content) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryContent, key)
		}

		head := content
		if len(head) > headHashBytes {
			head = head[:headHashBytes]
		}
		sum := sha256.Sum256(content)
		headSum := sha256.Sum256(head)
		return &FileMeta{
			PathKey:  key,
			Size:     after.Size(),
			ModTime:  after.ModTime(),
			FileHash: hex.EncodeToString(sum[:]),
			HeadHash: hex.EncodeToString(headSum[:]),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnstableRead, key, lastErr)
}

// ReadStable reads a file's full contents with the same stability contract as
// hashing; the write path uses it to chunk exactly the bytes that were hashed.
func (s *Scanner) ReadStable(key string) ([]byte, *FileMeta, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	for attempt := 0; attempt < stableReadTries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return nil, nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		after, err := os.Stat(path)
		if err != nil {
			return nil, nil, err
		}
		if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
			continue
		}
		sum := sha256.Sum256(content)
		head := content
		if len(head) > headHashBytes {
			head = head[:headHashBytes]
		}
		headSum := sha256.Sum256(head)
		return content, &FileMeta{
			PathKey:  key,
			Size:     after.Size(),
			ModTime:  after.ModTime(),
			FileHash: hex.EncodeToString(sum[:]),
			HeadHash: hex.EncodeToString(headSum[:]),
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnstableRead, key)
}

// isBinary sniffs for NUL bytes and invalid UTF-8 density in the prefix.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return true
	}
	if len(probe) > 0 && !utf8.Valid(probe) {
		// Tolerate a truncated rune at the probe boundary.
		trimmed := probe
		for i := 0; i < 3 && len(trimmed) > 0 && !utf8.Valid(trimmed); i++ {
			trimmed = trimmed[:len(trimmed)-1]
		}
		return !utf8.Valid(trimmed)
	}
	return false
}

// checkCasefold rejects eligible sets where two live paths share a casefolded
// key.
func checkCasefold(eligible map[string]os.FileInfo, prior map[string]FileMeta, hint *Hint) error {
	seen := make(map[string]string, len(eligible))
	for key := range eligible {
		ci := identity.PathKeyCI(key)
		if other, dup := seen[ci]; dup {
			return fmt.Errorf("%w: %s and %s", ErrCasefoldCollision, other, key)
		}
		seen[ci] = key
	}
	// Partial scans must also not collide with surviving recorded paths.
	if hint != nil && !hint.Full {
		for key := range prior {
			ci := identity.PathKeyCI(key)
			if other, dup := seen[ci]; dup && other != key {
				return fmt.Errorf("%w: %s and %s", ErrCasefoldCollision, other, key)
			}
		}
	}
	return nil
}

// detectRenames pairs deletes with adds that source control reports as
// renames with identical content. Everything else stays delete+add.
func (s *Scanner) detectRenames(cs *ChangeSet, prior map[string]FileMeta) {
	if len(cs.Delete) == 0 || len(cs.Add) == 0 {
		return
	}
	reported := gitRenames(s.root)
	if len(reported) == 0 {
		return
	}

	addByKey := make(map[string]int, len(cs.Add))
	for i, a := range cs.Add {
		addByKey[a.PathKey] = i
	}

	var remainingDeletes []string
	usedAdds := make(map[int]bool)
	for _, del := range cs.Delete {
		to, ok := reported[del]
		idx, have := addByKey[to]
		if ok && have && prior[del].FileHash == cs.Add[idx].FileHash {
			cs.Rename = append(cs.Rename, Rename{From: del, To: to, Hash: cs.Add[idx].FileHash})
			usedAdds[idx] = true
			continue
		}
		remainingDeletes = append(remainingDeletes, del)
	}
	cs.Delete = remainingDeletes

	var remainingAdds []FileMeta
	for i, a := range cs.Add {
		if !usedAdds[i] {
			remainingAdds = append(remainingAdds, a)
		}
	}
	cs.Add = remainingAdds
}

// fakeDirEntry adapts an os.FileInfo to os.DirEntry for hinted stats.
type fakeDirEntry struct{ info os.FileInfo }

func (f fakeDirEntry) Name() string               { return f.info.Name() }
func (f fakeDirEntry) IsDir() bool                { return f.info.IsDir() }
func (f fakeDirEntry) Type() os.FileMode          { return f.info.Mode().Type() }
func (f fakeDirEntry) Info() (os.FileInfo, error) { return f.info, nil }
