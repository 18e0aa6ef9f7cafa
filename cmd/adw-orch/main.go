package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "adw-orch",
		Short: "ADW Orchestrator - phase chain runner for AI developer workflows",
		Long: `ADW Orchestrator runs configured chains of phases (test, review, pr, ...)
against an ADW run, persisting process and status state under the run's
agents directory. Chains are started directly, from lifecycle hooks, or by
signed webhook deliveries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// errChainFailed is returned when a chain finishes aborted
var errChainFailed = errors.New("chain aborted")

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps command errors to process exit statuses: 0 success, 130 interrupted, 1 otherwise
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}
