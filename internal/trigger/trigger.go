// Package trigger turns direct invocations, lifecycle hooks and webhook
// deliveries into chain executions.
package trigger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
)

var (
	// ErrHooksDisabled is returned by Hook when automation.hooks_enabled is off
	ErrHooksDisabled = errors.New("hook triggers are disabled")
	// ErrNoChainForEvent is returned when no chain lists the event
	ErrNoChainForEvent = registry.ErrNoChainForEvent
)

// Runner executes a chain request
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) ([]*orchestrator.ChainResult, error)
}

// Executor runs one request to completion
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) ([]*orchestrator.ChainResult, error)
}

// Trigger serializes chain executions per run through the run lock
type Trigger struct {
	runner       Runner
	store        *runstate.Store
	registry     *registry.Holder
	hooksEnabled bool
	logger       *logging.Logger
}

// New creates a Trigger
func New(runner Runner, store *runstate.Store, reg *registry.Holder, hooksEnabled bool, logger *logging.Logger) *Trigger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Trigger{
		runner:       runner,
		store:        store,
		registry:     reg,
		hooksEnabled: hooksEnabled,
		logger:       logger,
	}
}

// Direct runs chain for runID and blocks until it finishes
func (t *Trigger) Direct(ctx context.Context, runID domain.RunID, chain string) ([]*orchestrator.ChainResult, error) {
	return t.Execute(ctx, orchestrator.Request{RunID: runID, Chain: chain, Trigger: domain.TriggerDirect})
}

// Hook resolves the chain bound to event and runs it synchronously
func (t *Trigger) Hook(ctx context.Context, runID domain.RunID, event string) ([]*orchestrator.ChainResult, error) {
	if !t.hooksEnabled {
		return nil, ErrHooksDisabled
	}
	chain, err := t.registry.Get().ChainForEvent(event)
	if err != nil {
		return nil, err
	}
	t.logger.Info(ctx, "hook resolved chain", zap.String("adw_id", runID.String()),
		zap.String("event", event), zap.String("chain", chain))
	return t.Execute(ctx, orchestrator.Request{RunID: runID, Chain: chain, Trigger: domain.TriggerHook})
}

// Execute holds the run lock for the whole request
func (t *Trigger) Execute(ctx context.Context, req orchestrator.Request) ([]*orchestrator.ChainResult, error) {
	lock, err := t.store.Lock(req.RunID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			t.logger.Warn(ctx, "releasing run lock", zap.String("adw_id", req.RunID.String()), zap.Error(err))
		}
	}()

	results, err := t.runner.Run(ctx, req)
	if err != nil {
		return results, fmt.Errorf("run %s chain %s: %w", req.RunID, req.Chain, err)
	}
	return results, nil
}
