package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/observer"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
	"github.com/hochfrequenz/adw-orchestrator/internal/runindex"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
	"github.com/hochfrequenz/adw-orchestrator/internal/trigger"
	"github.com/hochfrequenz/adw-orchestrator/internal/verify"
)

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	baseDir  string
	logger   *logging.Logger
	store    *runstate.Store
	registry *registry.Holder
	observer *observer.Observer
	index    *runindex.Index // nil when the history database is unavailable
	trigger  *trigger.Trigger
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolvedConfigPath())
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// newRegistry builds the phase registry. Chains that cannot run are only reported here;
// they fail with a configuration error when selected.
func newRegistry(ctx context.Context, cfg *config.Config, logger *logging.Logger) *registry.Registry {
	reg := registry.New(cfg)
	if err := reg.Validate(); err != nil {
		logger.Warn(ctx, "some chains cannot run", zap.Error(err))
	}
	return reg
}

// newApp wires the orchestrator; extra sinks receive every event alongside metrics and history
func newApp(ctx context.Context, cfg *config.Config, extra ...orchestrator.EventSink) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	baseDir, err := cfg.General.ResolveBaseDir()
	if err != nil {
		return nil, fmt.Errorf("resolving base dir: %w", err)
	}

	reg := newRegistry(ctx, cfg, logger)

	a := &app{
		cfg:      cfg,
		baseDir:  baseDir,
		logger:   logger,
		store:    storeFor(cfg, baseDir),
		registry: registry.NewHolder(reg),
		observer: observer.New(nil),
	}

	sinks := orchestrator.MultiSink{a.observer}
	if idx, err := runindex.Open(cfg.General.DatabasePath, logger); err != nil {
		logger.Warn(ctx, "run history disabled", zap.String("path", cfg.General.DatabasePath), zap.Error(err))
	} else {
		a.index = idx
		sinks = append(sinks, idx)
	}
	if n := notify.FromConfig(cfg.Notifications); n != nil {
		sinks = append(sinks, notify.NewChainSink(n, logger))
	}
	sinks = append(sinks, extra...)

	source, err := commentSource(ctx, cfg.Verification)
	if err != nil {
		return nil, err
	}
	if source == nil {
		logger.Warn(ctx, "no GitHub token and no gh CLI, completion markers will not be verified")
	}
	verifier := verify.New(source, cfg.Automation.CommentVerificationEnabled, cfg.Verification.RecentComments, logger)

	sup := executor.NewSupervisor(executor.Options{
		Tool:  cfg.General.Tool,
		Dir:   baseDir,
		Grace: time.Duration(cfg.Automation.TerminationGraceSeconds) * time.Second,
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: a.registry,
		Store:    a.store,
		Launcher: orchestrator.SupervisorLauncher{Supervisor: sup},
		Verifier: verifier,
		Sink:     sinks,
		Logger:   logger,
		BaseDir:  baseDir,
		RepoSlug: verify.RepoSlug,
	}, orchestrator.PolicyFromConfig(cfg.Automation))

	a.trigger = trigger.New(orch, a.store, a.registry, cfg.Automation.HooksEnabled, logger)
	return a, nil
}

// commentSource picks the gh CLI when preferred, then the REST client when a token
// is configured, then any gh on PATH. A nil source makes verification fail open.
func commentSource(ctx context.Context, cfg config.VerificationConfig) (verify.CommentSource, error) {
	if cfg.UseGHCLI && verify.GHAvailable() {
		return verify.NewGHCLISource(), nil
	}
	if cfg.GitHubToken.IsSet() {
		src, err := verify.NewGitHubSource(ctx, cfg.GitHubToken, cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub client: %w", err)
		}
		return src, nil
	}
	if verify.GHAvailable() {
		return verify.NewGHCLISource(), nil
	}
	return nil, nil
}

func storeFor(cfg *config.Config, baseDir string) *runstate.Store {
	return runstate.New(filepath.Join(baseDir, cfg.General.AgentsDir))
}

func (a *app) Close() {
	if a.index != nil {
		a.index.Close()
	}
	a.logger.Sync()
}
