package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	chunkerpkg "github.com/dshills/codegrep/internal/chunker"
	"github.com/dshills/codegrep/internal/client"
	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/embedder"
	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/logging"
	"github.com/dshills/codegrep/internal/maintain"
	"github.com/dshills/codegrep/internal/mcp"
	"github.com/dshills/codegrep/internal/query"
	"github.com/dshills/codegrep/internal/scanner"
	"github.com/dshills/codegrep/internal/service"
	"github.com/dshills/codegrep/internal/snapshot"
	"github.com/dshills/codegrep/pkg/types"
)

// stack bundles the wired components for in-process (daemon/maintenance)
// commands.
type stack struct {
	cfg    *config.Config
	ident  identity.Identity
	store  *snapshot.Store
	mgr    *snapshot.Manager
	leases *lease.Manager
	writer *snapshot.Writer
	engine *query.Engine
}

// buildStack resolves identity and wires the full pipeline for the repo at
// flagPath.
func buildStack() (*stack, error) {
	root, err := identity.Resolve(flagPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	ignores, err := scanner.LoadIgnores(root)
	if err != nil {
		return nil, err
	}
	ident := identity.New(root, cfg, ignores.Inputs())

	store, err := snapshot.OpenStore(cfg.BaseDir, ident.StoreID, snapshot.Perms{})
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log, store.Root)

	leases, err := lease.NewManager(store.LocksDir())
	if err != nil {
		return nil, err
	}
	mgr := snapshot.NewManager(store, cfg)

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	cache := embedder.NewCache(10000)
	limiter, err := embedder.NewHostLimiter(cfg.BaseDir, cfg.Index.EmbedConcurrency)
	if err != nil {
		return nil, err
	}

	ch := chunkerpkg.New(cfg)
	writer := snapshot.NewWriter(mgr, leases, cfg, ident, ch, emb, cache, limiter)
	engine := query.NewEngine(mgr, cfg, emb, ident)

	return &stack{
		cfg:    cfg,
		ident:  ident,
		store:  store,
		mgr:    mgr,
		leases: leases,
		writer: writer,
		engine: engine,
	}, nil
}

// dialDaemon connects to the repo's daemon.
func dialDaemon(ctx context.Context, clientID string) (*client.Client, *stack, error) {
	s, err := buildStack()
	if err != nil {
		return nil, nil, err
	}
	c, err := client.Dial(ctx, client.Options{
		StoreID:           s.ident.StoreID,
		ConfigFingerprint: s.ident.ConfigFingerprint,
		ClientID:          clientID,
		MaxRequestBytes:   s.cfg.Daemon.MaxRequestBytes,
		MaxResponseBytes:  s.cfg.Daemon.MaxResponseBytes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("daemon not reachable (start it with `codegrep daemon`): %w", err)
	}
	return c, s, nil
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the indexing and query service for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			d := service.NewDaemon(s.cfg, s.ident, s.mgr, s.writer, s.engine, s.leases)
			return d.Run(cmd.Context())
		},
	}
}

func newSearchCmd() *cobra.Command {
	var (
		mode           string
		maxResults     int
		perFile        int
		scope          string
		snippetMode    string
		rerank         bool
		includeAnchors bool
		raw            bool
		deterministic  bool
		deadlineMs     int64
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dialDaemon(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			resp, qerr, err := c.Query(&types.QueryRequest{
				Query:          args[0],
				Mode:           types.Mode(mode),
				MaxResults:     maxResults,
				PerFile:        perFile,
				Path:           scope,
				SnippetMode:    types.SnippetMode(snippetMode),
				Rerank:         rerank,
				IncludeAnchors: includeAnchors,
				Raw:            raw,
				Deterministic:  deterministic,
				ClientID:       "cli",
				DeadlineMs:     deadlineMs,
			})
			if err != nil {
				return err
			}
			if qerr != nil {
				return qerr
			}
			if asJSON {
				return printJSON(resp)
			}
			printResults(resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "balanced", "retrieval mode (balanced|discovery|implementation|planning|debug)")
	cmd.Flags().IntVarP(&maxResults, "max-results", "n", 10, "maximum results")
	cmd.Flags().IntVar(&perFile, "per-file", 0, "maximum results per file")
	cmd.Flags().StringVar(&scope, "scope", "", "repository-relative path scope")
	cmd.Flags().StringVar(&snippetMode, "snippet", "short", "snippet mode (none|short|long|full|compact)")
	cmd.Flags().BoolVar(&rerank, "rerank", false, "rerank top candidates")
	cmd.Flags().BoolVar(&includeAnchors, "anchors", false, "include definition anchors")
	cmd.Flags().BoolVar(&raw, "raw", false, "skip output sanitation (trusted workflows only)")
	cmd.Flags().BoolVar(&deterministic, "deterministic", false, "byte-reproducible output")
	cmd.Flags().Int64Var(&deadlineMs, "deadline-ms", 0, "query deadline in milliseconds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the raw JSON response")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var allowDegraded bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full index sync now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dialDaemon(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			resp, qerr, err := c.Sync(allowDegraded)
			if err != nil {
				return err
			}
			if qerr != nil {
				return qerr
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().BoolVar(&allowDegraded, "allow-degraded", false, "publish even when some eligible files fail")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dialDaemon(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			raw, qerr, err := c.Status()
			if err != nil {
				return err
			}
			if qerr != nil {
				return qerr
			}
			return printRaw(raw)
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run daemon health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dialDaemon(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			raw, qerr, err := c.Health()
			if err != nil {
				return err
			}
			if qerr != nil {
				return qerr
			}
			return printRaw(raw)
		},
	}
}

func newStopCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the repository's daemon, or every daemon with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return stopAll(cmd.Context())
			}
			c, _, err := dialDaemon(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if err := c.Shutdown(); err != nil {
				return err
			}
			fmt.Println("daemon stopping")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every running daemon for this user")
	return cmd
}

// stopAll enumerates the per-user socket directory and shuts down every
// daemon that answers. Sockets left behind by dead daemons are removed.
func stopAll(ctx context.Context) error {
	socks, err := service.ListSockets()
	if err != nil {
		return err
	}
	stopped := 0
	for _, sock := range socks {
		c, err := client.DialSocket(ctx, sock, "cli")
		if err != nil {
			// Nothing listening: a stale socket from a dead daemon.
			_ = os.Remove(sock)
			continue
		}
		if err := c.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stop daemon at %s: %v\n", sock, err)
		} else {
			stopped++
		}
		_ = c.Close()
	}
	fmt.Printf("stopped %d daemon(s)\n", stopped)
	return nil
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify active snapshot integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			res, err := maintain.Audit(cmd.Context(), s.mgr)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("audit found %d problems", len(res.Problems))
			}
			return nil
		},
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Repair index drift, re-indexing only affected files when possible",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			res, err := maintain.Repair(cmd.Context(), s.mgr, s.writer)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Collect unreferenced snapshots and segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			ttl := time.Duration(s.cfg.Index.LeaseTTLMs) * time.Millisecond
			res, err := s.mgr.GC(cmd.Context(), s.leases, ttl)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact segments and prune tombstones",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			res, err := maintain.Compact(cmd.Context(), s.mgr, s.leases, s.cfg)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newStoreGCCmd() *cobra.Command {
	var days int
	var force bool
	cmd := &cobra.Command{
		Use:   "store-gc",
		Short: "Remove stores unused for N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := config.DefaultBaseDir()
			if err != nil {
				return err
			}
			res, err := maintain.StoreGC(base, time.Duration(days)*24*time.Hour, force)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "idle days before a store is collected")
	cmd.Flags().BoolVar(&force, "force", false, "collect even stores whose repository still exists")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP agent front end on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := mcp.NewServer(flagPath)
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context())
		},
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printRaw(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	return printJSON(buf)
}

// printResults renders the human-readable search output.
func printResults(resp *types.QueryResponse) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(os.Stderr, "no results")
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s:%d (%.4f)", r.Path, r.StartLine, r.Score)
		if r.Reason != "" {
			fmt.Printf("  [%s]", r.Reason)
		}
		fmt.Println()
		if r.Content != "" {
			fmt.Println(indent(r.Content, "  "))
		}
	}
	fmt.Fprintf(os.Stderr, "snapshot %d, confidence %s", resp.SnapshotID, resp.Confidence)
	if len(resp.Warnings) > 0 {
		fmt.Fprintf(os.Stderr, ", warnings: %v", resp.Warnings)
	}
	fmt.Fprintln(os.Stderr)
}

func indent(s, prefix string) string {
	out := prefix
	for _, r := range s {
		out += string(r)
		if r == '\n' {
			out += prefix
		}
	}
	return out
}
