package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/codegrep/internal/segment"
	"github.com/dshills/codegrep/internal/service"
	"github.com/dshills/codegrep/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var flagPath string

func main() {
	service.BinaryVersion = version

	root := &cobra.Command{
		Use:           "codegrep",
		Short:         "Local semantic code search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagPath, "path", "C", ".", "repository path")

	root.AddCommand(
		newDaemonCmd(),
		newSearchCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newStopCmd(),
		newAuditCmd(),
		newRepairCmd(),
		newGCCmd(),
		newCompactCmd(),
		newStoreGCCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if qe, ok := err.(*types.QueryError); ok {
			os.Exit(qe.ExitCode())
		}
		os.Exit(types.ExitOther)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codegrep %s\n", version)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Build Mode: %s\n", segment.BuildMode)
			fmt.Printf("SQLite Driver: %s\n", segment.DriverName)
			fmt.Printf("Vector Extension: %v\n", segment.VectorExtensionAvailable)
		},
	}
}
