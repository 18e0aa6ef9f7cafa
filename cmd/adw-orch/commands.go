package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/runindex"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
	"github.com/hochfrequenz/adw-orchestrator/internal/trigger"
	"github.com/hochfrequenz/adw-orchestrator/web/api"
)

var (
	runChain     string
	hookEvent    string
	historyLimit int
	statusWatch  bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run ADW_ID",
		Short: "Run a phase chain for an ADW run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runChain, "chain", "post_build", "chain to execute")
	rootCmd.AddCommand(runCmd)

	// hook command
	hookCmd := &cobra.Command{
		Use:   "hook ADW_ID",
		Short: "Run the chain bound to a lifecycle event",
		Args:  cobra.ExactArgs(1),
		RunE:  runHook,
	}
	hookCmd.Flags().StringVar(&hookEvent, "event", "", "lifecycle event name (e.g. build_complete)")
	hookCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(hookCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook listener",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status ADW_ID",
		Short: "Show phase status and processes for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "refresh the view every second until q is pressed")
	rootCmd.AddCommand(statusCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history [ADW_ID]",
		Short: "List recent chain executions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of executions to show")
	rootCmd.AddCommand(historyCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	return execute(cmd.Context(), args[0], func(a *app, runID domain.RunID) ([]*orchestrator.ChainResult, error) {
		return a.trigger.Direct(cmd.Context(), runID, runChain)
	})
}

func runHook(cmd *cobra.Command, args []string) error {
	return execute(cmd.Context(), args[0], func(a *app, runID domain.RunID) ([]*orchestrator.ChainResult, error) {
		return a.trigger.Hook(cmd.Context(), runID, hookEvent)
	})
}

// execute runs a synchronous trigger and prints the outcome of every chain it ran
func execute(ctx context.Context, rawID string, fn func(*app, domain.RunID) ([]*orchestrator.ChainResult, error)) error {
	runID, err := domain.ParseRunID(rawID)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := fn(a, runID)
	for _, res := range results {
		fmt.Println(renderChainResult(res))
	}
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Status != domain.ChainSucceeded {
			return fmt.Errorf("%w: %s at phase %s", errChainFailed, res.Chain, res.FailedPhase())
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Webhook.Enabled {
		return errors.New("webhook listener is disabled; set webhook.enabled = true")
	}

	hub := api.NewHub(nil)
	a, err := newApp(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	if !cfg.Webhook.SignatureRequired() {
		a.logger.Warn(ctx, "webhook secret is unset or default, signatures will not be checked")
	}

	dispatcher := trigger.NewDispatcher(a.trigger, cfg.Webhook.MaxConcurrentRuns, a.logger)
	dispatcher.OnActiveChanged(a.observer.SetActiveRuns)

	server := api.NewServer(api.Options{
		Webhook:    cfg.Webhook,
		Registry:   a.registry,
		Dispatcher: dispatcher,
		Observer:   a.observer,
		Hub:        hub,
		Logger:     a.logger,
	})

	var pruner *runindex.Pruner
	if a.index != nil {
		if pruner, err = runindex.NewPruner(a.index, cfg.History, a.logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if pruner != nil {
		g.Go(func() error {
			return pruner.Run(gctx)
		})
	}
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		return watchConfig(gctx, a)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.logger.Info(gctx, "cancelling in-flight runs", zap.Int("active", len(dispatcher.Active())))
		return dispatcher.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchConfig swaps in reloaded chain and phase definitions while serving.
// Listener and automation settings only take effect on restart.
func watchConfig(ctx context.Context, a *app) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err != nil {
		a.logger.Info(ctx, "no config file to watch", zap.String("path", path))
		return nil
	}

	watcher, err := config.NewWatcher(path, func(cfg *config.Config, err error) {
		if err != nil {
			a.logger.Warn(ctx, "ignoring invalid configuration", zap.Error(err))
			return
		}
		reg := newRegistry(ctx, cfg, a.logger)
		a.registry.Swap(reg)
		a.logger.Info(ctx, "configuration reloaded", zap.Strings("chains", reg.ChainNames()))
	})
	if err != nil {
		a.logger.Warn(ctx, "config watching disabled", zap.Error(err))
		return nil
	}
	return watcher.Run(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID, err := domain.ParseRunID(args[0])
	if err != nil {
		return err
	}
	a, err := newStoreOnly()
	if err != nil {
		return err
	}
	if !a.store.Exists(runID) {
		return fmt.Errorf("no run state for %s under %s", runID, a.store.Root())
	}

	load := func() (string, error) { return statusSnapshot(a.store, runID) }
	if statusWatch {
		return watchStatus(cmd.Context(), load)
	}
	out, err := load()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// statusSnapshot renders the current documents of one run
func statusSnapshot(store *runstate.Store, runID domain.RunID) (string, error) {
	doc, err := store.PhaseStatuses(runID)
	if err != nil {
		return "", err
	}
	ledger, err := store.ProcessLedger(runID)
	if err != nil {
		return "", err
	}
	state, err := store.Load(runID)
	if err != nil {
		return "", err
	}
	return renderStatus(runID, state, doc, ledger), nil
}

// newStoreOnly resolves the run store without starting logging or history
func newStoreOnly() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	baseDir, err := cfg.General.ResolveBaseDir()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, baseDir: baseDir, store: storeFor(cfg, baseDir)}, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.index == nil {
		return fmt.Errorf("run history unavailable at %s", cfg.General.DatabasePath)
	}

	var runs []*runindex.ChainRun
	if len(args) == 1 {
		runID, err := domain.ParseRunID(args[0])
		if err != nil {
			return err
		}
		runs, err = a.index.ForRun(runID, historyLimit)
		if err != nil {
			return err
		}
	} else {
		runs, err = a.index.Recent(historyLimit)
		if err != nil {
			return err
		}
	}
	if len(runs) == 0 {
		fmt.Println("No chain executions recorded")
		return nil
	}
	fmt.Println(renderHistory(runs))
	return nil
}
