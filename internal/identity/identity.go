// Package identity derives the stable names that anchor a store: the
// canonical root, the store id, and the configuration and ignore
// fingerprints. Everything here is a pure function of its inputs so that two
// processes pointed at the same repository with the same configuration agree
// on the store they share.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/pkg/types"
)

// Identity names one store.
type Identity struct {
	CanonicalRoot     string
	StoreID           string
	ConfigFingerprint string
	IgnoreFingerprint string
}

// ChunkerVersion is folded into the config fingerprint; bumping it invalidates
// every chunk id.
const ChunkerVersion = "cg-chunker-1"

// Resolve determines the canonical root for a requested path: the nearest
// enclosing source-control root when present, else the path itself, always
// resolved through symlinks.
func Resolve(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", fmt.Errorf("failed to absolutize %s: %w", requested, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", abs, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		real = filepath.Dir(real)
	}

	// Walk up looking for a source-control root.
	for dir := real; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return real, nil
}

// New computes the full identity for a canonical root under cfg.
func New(canonicalRoot string, cfg *config.Config, ignoreFiles []IgnoreInput) Identity {
	configFP := ConfigFingerprint(cfg)
	return Identity{
		CanonicalRoot:     canonicalRoot,
		StoreID:           StoreID(canonicalRoot, configFP),
		ConfigFingerprint: configFP,
		IgnoreFingerprint: IgnoreFingerprint(ignoreFiles),
	}
}

// ConfigFingerprint hashes every input that changes the semantic shape of
// indexed rows. It must be stable across runs for identical logical inputs.
func ConfigFingerprint(cfg *config.Config) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write("schema", types.SchemaVersion)
	write("chunker", ChunkerVersion)
	write("embed.provider", cfg.Embed.Provider)
	write("embed.model", cfg.Embed.Model)
	write("embed.dim", fmt.Sprintf("%d", cfg.Embed.Dimension))
	write("embed.prefix", cfg.Embed.Prefix)
	write("embed.maxlen", fmt.Sprintf("%d", cfg.Embed.MaxLen))
	write("caps", fmt.Sprintf("%d|%d|%d", config.MaxFileSize, config.MaxChunksPerFile, config.MaxBytesPerSync))
	write("index.skip_definitions", fmt.Sprintf("%t", cfg.Index.SkipDefinitions))
	if cfg.DummyEmbedder {
		write("embed.dummy", "1")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedConfigFingerprint is the narrower identity used to key the embedding
// cache: only inputs that change the vector produced for a given text.
func EmbedConfigFingerprint(cfg *config.Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\x00%d\x00%t",
		cfg.Embed.Provider, cfg.Embed.Model, cfg.Embed.Dimension,
		cfg.Embed.Prefix, cfg.Embed.MaxLen, cfg.DummyEmbedder)
	return hex.EncodeToString(h.Sum(nil))
}

// IgnoreInput is one ignore file's content keyed by its path_key.
type IgnoreInput struct {
	PathKey string
	Content []byte
}

// IgnoreFingerprint hashes the sorted ignore files. Ignore-only changes keep
// the store identity but publish a new snapshot.
func IgnoreFingerprint(files []IgnoreInput) string {
	sorted := make([]IgnoreInput, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PathKey < sorted[j].PathKey })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f.PathKey))
		h.Write([]byte{0})
		h.Write(f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// StoreID composes the on-disk directory name for one
// (canonical_root, config_fingerprint) identity, truncated for filesystem
// safety.
func StoreID(canonicalRoot, configFP string) string {
	slug := strings.ToLower(filepath.Base(canonicalRoot))
	slug = slugUnsafe.ReplaceAllString(slug, "-")
	if len(slug) > 24 {
		slug = slug[:24]
	}
	if slug == "" || slug == "." || slug == "/" {
		slug = "root"
	}
	rootHash := types.HashBytes([]byte(canonicalRoot))[:12]
	cfgHash := configFP
	if len(cfgHash) > 12 {
		cfgHash = cfgHash[:12]
	}
	return fmt.Sprintf("%s__%s__%s", slug, rootHash, cfgHash)
}

// QueryFingerprint identifies a query for caching and determinism checks.
func QueryFingerprint(query string, mode types.Mode, maxResults, perFile int, snippet types.SnippetMode) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s", query, mode, maxResults, perFile, snippet)
	return hex.EncodeToString(h.Sum(nil))
}

// PathKey canonicalizes a repository-relative path: slash-normalized, no "."
// or ".." elements.
func PathKey(rel string) (string, error) {
	k := filepath.ToSlash(rel)
	k = strings.TrimPrefix(k, "./")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty path key")
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("invalid path key %q", rel)
		}
	}
	return k, nil
}

// PathKeyCI is the casefolded form used only for collision detection.
func PathKeyCI(pathKey string) string {
	return strings.ToLower(pathKey)
}
