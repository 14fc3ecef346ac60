package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Hard safety caps. These bound what any configuration, including the
// untrusted repo-level file, can request.
const (
	MaxFileSize      = 10 << 20  // bytes per indexed file
	MaxChunksPerFile = 2000      // rows per file
	MaxBytesPerSync  = 256 << 20 // total bytes read per sync transaction
)

// Environment override names recognized by every entry point.
const (
	EnvBaseDir        = "CODEGREP_BASE_DIR"
	EnvDummyEmbedder  = "CODEGREP_DUMMY_EMBEDDER"
	EnvOffline        = "CODEGREP_OFFLINE"
	EnvNoGPU          = "CODEGREP_NO_GPU"
	EnvQueryDelayMs   = "CODEGREP_TEST_QUERY_DELAY_MS"
	EnvPublishDelayMs = "CODEGREP_TEST_PUBLISH_DELAY_MS"
)

// Daemon holds service-loop limits.
type Daemon struct {
	MaxRequestBytes      int   `toml:"max_request_bytes"`
	MaxResponseBytes     int   `toml:"max_response_bytes"`
	MaxConcurrentQueries int   `toml:"max_concurrent_queries"`
	MaxQueryQueueDepth   int   `toml:"max_query_queue_depth"`
	QueryTimeoutMs       int64 `toml:"query_timeout_ms"`
	SlowQueryMs          int64 `toml:"slow_query_ms"`
	PerClientConcurrency int   `toml:"per_client_concurrency"`
	ReconcileIntervalSec int   `toml:"reconcile_interval_sec"`
	DebounceMs           int   `toml:"debounce_ms"`
	IdleExitMin          int   `toml:"idle_exit_min"`
}

// Index holds write-path settings.
type Index struct {
	SkipDefinitions        bool  `toml:"skip_definitions"`
	MaxSegmentsPerSnapshot int   `toml:"max_segments_per_snapshot"`
	MaxTotalSegments       int   `toml:"max_total_segments_referenced"`
	MaxTombstones          int   `toml:"max_tombstones_per_snapshot"`
	LeaseTTLMs             int64 `toml:"lease_ttl_ms"`
	StagingTTLMin          int   `toml:"staging_ttl_min"`
	RetainSnapshots        int   `toml:"retain_snapshots"`
	RetainMinAgeMin        int   `toml:"retain_min_age_min"`
	GCSafetyMarginSec      int   `toml:"gc_safety_margin_sec"`
	EmbedConcurrency       int   `toml:"embed_concurrency"`
	IncludeUntracked       bool  `toml:"include_untracked"`
}

// Query holds read-path settings.
type Query struct {
	SkipRerank           bool `toml:"skip_rerank"`
	MaxCandidates        int  `toml:"max_candidates"`
	MaxSnippetBytes      int  `toml:"max_snippet_bytes_per_result"`
	MaxTotalSnippetBytes int  `toml:"max_total_snippet_bytes"`
	MaxOpenSegments      int  `toml:"max_open_segments_per_query"`
	MaxOpenSegmentsGlob  int  `toml:"max_open_segments_global"`
}

// Output holds result-shaping settings.
type Output struct {
	IncludeAnchors bool `toml:"include_anchors"`
}

// Log holds logging settings.
type Log struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Embed holds embedding backend settings. Model identity feeds the config
// fingerprint, so changing it creates a new store.
type Embed struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	Endpoint  string `toml:"endpoint"`
	Dimension int    `toml:"dimension"`
	Prefix    string `toml:"prefix"`
	MaxLen    int    `toml:"max_len"`
	BatchSize int    `toml:"batch_size"`
}

// Config is the merged effective configuration for one process.
type Config struct {
	BaseDir string `toml:"-"`
	Daemon  Daemon `toml:"daemon"`
	Index   Index  `toml:"index"`
	Query   Query  `toml:"query"`
	Output  Output `toml:"output"`
	Log     Log    `toml:"log"`
	Embed   Embed  `toml:"embed"`

	// Test-only stage delays, read from the environment.
	TestQueryDelay   time.Duration `toml:"-"`
	TestPublishDelay time.Duration `toml:"-"`
	DummyEmbedder    bool          `toml:"-"`
	Offline          bool          `toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: Daemon{
			MaxRequestBytes:      1 << 20,
			MaxResponseBytes:     10 << 20,
			MaxConcurrentQueries: 8,
			MaxQueryQueueDepth:   32,
			QueryTimeoutMs:       60000,
			SlowQueryMs:          2000,
			PerClientConcurrency: 4,
			ReconcileIntervalSec: 180,
			DebounceMs:           500,
			IdleExitMin:          30,
		},
		Index: Index{
			MaxSegmentsPerSnapshot: 64,
			MaxTotalSegments:       256,
			MaxTombstones:          50000,
			LeaseTTLMs:             10000,
			StagingTTLMin:          30,
			RetainSnapshots:        5,
			RetainMinAgeMin:        10,
			GCSafetyMarginSec:      30,
			EmbedConcurrency:       4,
		},
		Query: Query{
			MaxCandidates:        200,
			MaxSnippetBytes:      8 << 10,
			MaxTotalSnippetBytes: 256 << 10,
			MaxOpenSegments:      64,
			MaxOpenSegmentsGlob:  512,
		},
		Output: Output{IncludeAnchors: true},
		Log:    Log{Level: "info", MaxSizeMB: 16, MaxBackups: 3, MaxAgeDays: 14},
		Embed: Embed{
			Provider:  "local",
			Model:     "nomic-embed-text",
			Endpoint:  "http://127.0.0.1:11434",
			Dimension: 768,
			Prefix:    "search_document: ",
			MaxLen:    2048,
			BatchSize: 32,
		},
	}
}

// DefaultBaseDir resolves the per-user base directory, honoring the
// environment override.
func DefaultBaseDir() (string, error) {
	if dir := os.Getenv(EnvBaseDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codegrep"), nil
}

// Load reads the global config file from the base directory, overlays any
// repo-level config found at repoRoot, and applies environment overrides.
// A missing config file is not an error.
func Load(repoRoot string) (*Config, error) {
	cfg := Default()

	base, err := DefaultBaseDir()
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = base

	global := filepath.Join(base, "config.toml")
	if _, err := toml.DecodeFile(global, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to parse %s: %w", global, err)
	}

	if repoRoot != "" {
		if err := cfg.overlayRepo(filepath.Join(repoRoot, ".codegrep.toml")); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

// repoConfig is the subset a tracked repo file may adjust. The repo file is
// untrusted input: it may tighten caps and tune profiles but can never raise
// hard limits or expand scope beyond the canonical root.
type repoConfig struct {
	Index  Index  `toml:"index"`
	Query  Query  `toml:"query"`
	Output Output `toml:"output"`
}

func (c *Config) overlayRepo(path string) error {
	var rc repoConfig
	rc.Index = c.Index
	rc.Query = c.Query
	rc.Output = c.Output
	if _, err := toml.DecodeFile(path, &rc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to parse repo config %s: %w", path, err)
	}
	c.Index.SkipDefinitions = rc.Index.SkipDefinitions
	c.Query.SkipRerank = rc.Query.SkipRerank
	c.Output.IncludeAnchors = rc.Output.IncludeAnchors
	// Repo config may only lower candidate and snippet budgets.
	if rc.Query.MaxCandidates > 0 && rc.Query.MaxCandidates < c.Query.MaxCandidates {
		c.Query.MaxCandidates = rc.Query.MaxCandidates
	}
	if rc.Query.MaxSnippetBytes > 0 && rc.Query.MaxSnippetBytes < c.Query.MaxSnippetBytes {
		c.Query.MaxSnippetBytes = rc.Query.MaxSnippetBytes
	}
	if rc.Query.MaxTotalSnippetBytes > 0 && rc.Query.MaxTotalSnippetBytes < c.Query.MaxTotalSnippetBytes {
		c.Query.MaxTotalSnippetBytes = rc.Query.MaxTotalSnippetBytes
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DummyEmbedder = envBool(EnvDummyEmbedder)
	c.Offline = envBool(EnvOffline)
	if ms := envInt(EnvQueryDelayMs); ms > 0 {
		c.TestQueryDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt(EnvPublishDelayMs); ms > 0 {
		c.TestPublishDelay = time.Duration(ms) * time.Millisecond
	}
}

// clamp enforces the hard caps and sane minimums after all overlays.
func (c *Config) clamp() {
	if c.Daemon.MaxRequestBytes <= 0 || c.Daemon.MaxRequestBytes > 1<<20 {
		c.Daemon.MaxRequestBytes = 1 << 20
	}
	if c.Daemon.MaxResponseBytes <= 0 || c.Daemon.MaxResponseBytes > 10<<20 {
		c.Daemon.MaxResponseBytes = 10 << 20
	}
	if c.Daemon.MaxConcurrentQueries <= 0 {
		c.Daemon.MaxConcurrentQueries = 8
	}
	if c.Daemon.MaxQueryQueueDepth < 0 {
		c.Daemon.MaxQueryQueueDepth = 32
	}
	if c.Daemon.QueryTimeoutMs <= 0 {
		c.Daemon.QueryTimeoutMs = 60000
	}
	if c.Index.LeaseTTLMs < 1000 {
		c.Index.LeaseTTLMs = 1000
	}
	if c.Index.RetainSnapshots < 1 {
		c.Index.RetainSnapshots = 5
	}
	if c.Index.EmbedConcurrency <= 0 {
		c.Index.EmbedConcurrency = 4
	}
	if c.Query.MaxOpenSegments <= 0 || c.Query.MaxOpenSegments > 64 {
		c.Query.MaxOpenSegments = 64
	}
}

// QueryTimeout returns the effective deadline for a query that does not carry
// its own.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Daemon.QueryTimeoutMs) * time.Millisecond
}

// GCSafetyMargin returns the minimum artifact age GC must respect on top of
// the query timeout.
func (c *Config) GCSafetyMargin() time.Duration {
	return time.Duration(c.Index.GCSafetyMarginSec) * time.Second
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "yes"
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
