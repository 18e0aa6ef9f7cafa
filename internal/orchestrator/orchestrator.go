// Package orchestrator drives a chain's phases through launch, wait, verify and persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
	"github.com/hochfrequenz/adw-orchestrator/internal/verify"
)

// ErrConfiguration wraps unresolved chains or phases and empty chains
var ErrConfiguration = errors.New("configuration error")

// Process is a launched phase the orchestrator owns until it exits
type Process interface {
	PID() int
	CommandLine() string
	StartedAt() time.Time
	Wait() executor.Result
	Terminate() error
}

// Launcher starts phase commands
type Launcher interface {
	Launch(ctx context.Context, def domain.PhaseDefinition, runID domain.RunID, logPath string) (Process, error)
}

// Verifier confirms completion markers
type Verifier interface {
	Verify(ctx context.Context, state *runstate.RunState, marker string, maxAge time.Duration) verify.Outcome
}

// EventSink receives phase and chain transitions
type EventSink interface {
	Publish(domain.Event)
}

// Policy controls continuation and pacing between phases
type Policy struct {
	StopOnFailure      bool
	HaltOnUnverified   bool
	AutoChainOnSuccess bool
	PauseBetweenPhases time.Duration
	SettleDelay        time.Duration
	MaxCommentAge      time.Duration
}

// PolicyFromConfig converts the automation section into a Policy
func PolicyFromConfig(cfg config.AutomationConfig) Policy {
	return Policy{
		StopOnFailure:      cfg.StopOnFailure,
		HaltOnUnverified:   cfg.HaltOnUnverified,
		AutoChainOnSuccess: cfg.AutoChainOnSuccess,
		PauseBetweenPhases: time.Duration(cfg.PauseBetweenPhasesSeconds) * time.Second,
		SettleDelay:        time.Duration(cfg.VerificationSettleSeconds) * time.Second,
		MaxCommentAge:      time.Duration(cfg.VerificationMaxAgeMinutes) * time.Minute,
	}
}

// Deps are the collaborators an Orchestrator drives
type Deps struct {
	Registry *registry.Holder
	Store    *runstate.Store
	Launcher Launcher
	Verifier Verifier
	Sink     EventSink
	Logger   *logging.Logger
	// BaseDir is the invocation directory used to derive the repository slug
	BaseDir string
	// RepoSlug resolves owner/repo for BaseDir; nil disables the lookup
	RepoSlug func(dir string) string
}

// Request identifies one chain execution
type Request struct {
	RunID   domain.RunID
	Chain   string
	Trigger domain.TriggerSource
}

// PhaseResult is the outcome of one phase in a chain execution
type PhaseResult struct {
	Name         string
	Status       domain.PhaseStatus
	ExitCode     int
	Details      string
	Verification verify.Outcome
	Duration     time.Duration
}

// ChainResult is the outcome of one chain execution
type ChainResult struct {
	ExecutionID string
	RunID       domain.RunID
	Chain       string
	Trigger     domain.TriggerSource
	Status      domain.ChainStatus
	Phases      []PhaseResult
	StartedAt   time.Time
	FinishedAt  time.Time

	nextChain string
}

// AllSucceeded reports whether every phase completed
func (r *ChainResult) AllSucceeded() bool {
	for _, p := range r.Phases {
		if !p.Status.Succeeded() {
			return false
		}
	}
	return true
}

// FailedPhase returns the first failed phase name, or ""
func (r *ChainResult) FailedPhase() string {
	for _, p := range r.Phases {
		if p.Status == domain.PhaseFailed {
			return p.Name
		}
	}
	return ""
}

// Orchestrator executes chains for runs; each Run call owns its processes
type Orchestrator struct {
	deps   Deps
	policy Policy

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

// New creates an orchestrator
func New(deps Deps, policy Policy) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		policy: policy,
		sleep:  sleepCtx,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Run executes the requested chain and, when auto chaining is enabled, its successors.
// Configuration problems are returned before anything launches. A cancelled context
// terminates the in-flight phase and returns the context error.
func (o *Orchestrator) Run(ctx context.Context, req Request) ([]*ChainResult, error) {
	var results []*ChainResult
	visited := make(map[string]bool)
	chain := req.Chain

	for {
		visited[chain] = true
		res, err := o.RunChain(ctx, req.RunID, chain, req.Trigger)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}

		next := res.nextChain
		if !o.policy.AutoChainOnSuccess || next == "" || !res.AllSucceeded() {
			return results, nil
		}
		if visited[next] {
			o.deps.Logger.Warn(ctx, "not following next_chain, already ran in this execution",
				zap.String("adw_id", req.RunID.String()), zap.String("next_chain", next))
			return results, nil
		}
		chain = next
	}
}

// RunChain executes a single chain for a run
func (o *Orchestrator) RunChain(ctx context.Context, runID domain.RunID, chainName string, trigger domain.TriggerSource) (*ChainResult, error) {
	chain, phases, err := o.deps.Registry.Get().ResolveChain(chainName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	execID := o.newID()
	ctx = logging.WithRun(ctx, runID.String(), chainName, execID)

	logger, closeLog, err := o.deps.Logger.WithFile(o.deps.Store.LogPath(runID))
	if err != nil {
		o.deps.Logger.Warn(ctx, "run log unavailable", zap.Error(err))
		logger, closeLog = o.deps.Logger, func() error { return nil }
	}
	defer closeLog()

	state, err := o.deps.Store.Load(runID)
	if err != nil {
		return nil, err
	}
	o.ensureRepoSlug(ctx, logger, runID, state)

	fields := []zap.Field{zap.String("phases", strings.Join(chain.Phases, " → ")), zap.String("trigger", string(trigger))}
	if state.HasIssue() && state.RepositorySlug != "" {
		fields = append(fields, zap.String("issue", fmt.Sprintf("#%d (%s)", state.IssueNumber, state.RepositorySlug)))
	}
	logger.Info(ctx, "starting chain", fields...)

	result := &ChainResult{
		ExecutionID: execID,
		RunID:       runID,
		Chain:       chainName,
		Trigger:     trigger,
		Status:      domain.ChainRunning,
		StartedAt:   o.now(),
		nextChain:   chain.NextChain,
	}
	o.publishChain(result)

	var runErr error
	for i, def := range phases {
		pctx := logging.WithPhase(ctx, def.Name)
		logger.Info(pctx, fmt.Sprintf("[%d/%d] starting phase", i+1, len(phases)))

		pr := o.runPhase(pctx, logger, result, state, def)
		result.Phases = append(result.Phases, pr)

		if err := ctx.Err(); err != nil {
			logger.Warn(pctx, "interrupted")
			runErr = err
			result.Status = domain.ChainAborted
			result.Phases = appendPending(result.Phases, phases[i+1:])
			break
		}

		if o.halts(pr) {
			if o.policy.StopOnFailure {
				logger.Error(pctx, "stopping chain due to phase failure")
				result.Status = domain.ChainAborted
				result.Phases = appendPending(result.Phases, phases[i+1:])
				break
			}
			logger.Warn(pctx, "phase failed but continuing")
		}

		if i < len(phases)-1 && o.policy.PauseBetweenPhases > 0 {
			logger.Info(pctx, "pausing before next phase", zap.Duration("pause", o.policy.PauseBetweenPhases))
			if err := o.sleep(ctx, o.policy.PauseBetweenPhases); err != nil {
				logger.Warn(pctx, "interrupted")
				runErr = err
				result.Status = domain.ChainAborted
				result.Phases = appendPending(result.Phases, phases[i+1:])
				break
			}
		}
	}

	if result.Status == domain.ChainRunning {
		result.Status = domain.ChainSucceeded
	}
	result.FinishedAt = o.now()
	o.publishChain(result)

	if result.Status == domain.ChainSucceeded {
		logger.Info(ctx, "chain complete", zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	} else {
		logger.Error(ctx, "chain aborted", zap.String("failed_phase", result.FailedPhase()))
	}
	return result, runErr
}

func (o *Orchestrator) halts(pr PhaseResult) bool {
	if pr.Status == domain.PhaseFailed {
		return true
	}
	return o.policy.HaltOnUnverified && pr.Status == domain.PhaseCompletedUnverified
}

func (o *Orchestrator) runPhase(ctx context.Context, logger *logging.Logger, chain *ChainResult, state *runstate.RunState, def domain.PhaseDefinition) PhaseResult {
	runID := chain.RunID
	start := o.now()
	pr := PhaseResult{Name: def.Name}

	proc, err := o.deps.Launcher.Launch(ctx, def, runID, o.deps.Store.PhaseLogPath(runID, def.Name))
	if err != nil {
		logger.Error(ctx, "failed to start phase", zap.Error(err))
		pr.Status, pr.ExitCode, pr.Details = domain.PhaseFailed, -1, fmt.Sprintf("Launch error: %v", err)
		return o.finishPhase(ctx, logger, chain, pr, start)
	}

	// persisted before waiting so observers see in-flight state
	entry := runstate.ProcessEntry{PID: proc.PID(), StartedAt: proc.StartedAt(), Command: proc.CommandLine()}
	if err := o.deps.Store.RecordProcess(runID, def.Name, entry); err != nil {
		logger.Warn(ctx, "recording process", zap.Error(err))
	}
	o.setStatus(ctx, logger, runID, def.Name, domain.PhaseRunning, fmt.Sprintf("PID: %d", proc.PID()))
	o.publishPhase(chain, PhaseResult{Name: def.Name, Status: domain.PhaseRunning, Details: fmt.Sprintf("PID: %d", proc.PID())}, 0)
	logger.Info(ctx, "waiting for phase", zap.Int("pid", proc.PID()), zap.String("command", proc.CommandLine()))

	res := o.wait(ctx, logger, proc)

	if ctx.Err() != nil {
		pr.Status, pr.ExitCode, pr.Details = domain.PhaseFailed, res.ExitCode, "Interrupted"
		return o.finishPhase(ctx, logger, chain, pr, start)
	}

	if !res.Success() {
		pr.Status, pr.ExitCode = domain.PhaseFailed, res.ExitCode
		pr.Details = fmt.Sprintf("Exit code: %d", res.ExitCode)
		if res.Err != nil {
			pr.Details += fmt.Sprintf("; wait error: %v", res.Err)
		}
		failFields := []zap.Field{zap.Int("exit_code", res.ExitCode)}
		if res.StderrPrefix != "" {
			pr.Details += "; stderr: " + res.StderrPrefix
			failFields = append(failFields, zap.String("stderr", res.StderrPrefix))
		}
		logger.Error(ctx, "phase failed", failFields...)
		return o.finishPhase(ctx, logger, chain, pr, start)
	}

	logger.Info(ctx, "phase process completed")
	pr.Status = domain.PhaseCompleted

	if def.CompletionMarker != "" {
		if err := o.sleep(ctx, o.policy.SettleDelay); err != nil {
			pr.Details = "verification skipped: interrupted"
			return o.finishPhase(ctx, logger, chain, pr, start)
		}
		pr.Verification = o.deps.Verifier.Verify(ctx, state, def.CompletionMarker, o.policy.MaxCommentAge)
		switch pr.Verification {
		case verify.Verified:
			pr.Details = "verified: " + def.CompletionMarker
		case verify.Unverified:
			pr.Status = domain.PhaseCompletedUnverified
			pr.Details = "completion marker not found: " + def.CompletionMarker
		}
	}
	return o.finishPhase(ctx, logger, chain, pr, start)
}

// wait blocks until the process exits, terminating it if ctx is cancelled first
func (o *Orchestrator) wait(ctx context.Context, logger *logging.Logger, proc Process) executor.Result {
	done := make(chan executor.Result, 1)
	go func() { done <- proc.Wait() }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		logger.Warn(ctx, "terminating phase", zap.Int("pid", proc.PID()))
		if err := proc.Terminate(); err != nil {
			logger.Error(ctx, "terminate failed", zap.Error(err))
		}
		return <-done
	}
}

func (o *Orchestrator) finishPhase(ctx context.Context, logger *logging.Logger, chain *ChainResult, pr PhaseResult, start time.Time) PhaseResult {
	pr.Duration = o.now().Sub(start)
	o.setStatus(ctx, logger, chain.RunID, pr.Name, pr.Status, pr.Details)
	o.publishPhase(chain, pr, pr.Duration)
	return pr
}

func (o *Orchestrator) setStatus(ctx context.Context, logger *logging.Logger, runID domain.RunID, phase string, status domain.PhaseStatus, details string) {
	if err := o.deps.Store.SetPhaseStatus(runID, phase, status, details); err != nil {
		logger.Error(ctx, "persisting phase status", zap.String("status", string(status)), zap.Error(err))
	}
}

// ensureRepoSlug derives and caches owner/repo for runs tracked against an issue
func (o *Orchestrator) ensureRepoSlug(ctx context.Context, logger *logging.Logger, runID domain.RunID, state *runstate.RunState) {
	if state.RepositorySlug != "" || o.deps.RepoSlug == nil {
		return
	}
	slug := o.deps.RepoSlug(o.deps.BaseDir)
	if slug == "" {
		logger.Debug(ctx, "no GitHub origin remote, verification disabled")
		return
	}
	state.RepositorySlug = slug
	if !state.HasIssue() {
		return
	}
	if err := o.deps.Store.Save(runID, state); err != nil {
		logger.Warn(ctx, "caching repository slug", zap.Error(err))
	}
}

func (o *Orchestrator) publishPhase(chain *ChainResult, pr PhaseResult, d time.Duration) {
	if o.deps.Sink == nil {
		return
	}
	o.deps.Sink.Publish(domain.Event{
		Type:        domain.EventPhaseStatus,
		ExecutionID: chain.ExecutionID,
		RunID:       chain.RunID,
		Chain:       chain.Chain,
		Phase:       pr.Name,
		PhaseStatus: pr.Status,
		Trigger:     chain.Trigger,
		Details:     pr.Details,
		ExitCode:    pr.ExitCode,
		Duration:    d,
		Time:        o.now(),
	})
}

func (o *Orchestrator) publishChain(chain *ChainResult) {
	if o.deps.Sink == nil {
		return
	}
	ev := domain.Event{
		Type:        domain.EventChainStatus,
		ExecutionID: chain.ExecutionID,
		RunID:       chain.RunID,
		Chain:       chain.Chain,
		ChainStatus: chain.Status,
		Trigger:     chain.Trigger,
		Time:        o.now(),
	}
	if !chain.FinishedAt.IsZero() {
		ev.Duration = chain.FinishedAt.Sub(chain.StartedAt)
		ev.Phase = chain.FailedPhase()
	}
	o.deps.Sink.Publish(ev)
}

func appendPending(results []PhaseResult, remaining []domain.PhaseDefinition) []PhaseResult {
	for _, def := range remaining {
		results = append(results, PhaseResult{Name: def.Name, Status: domain.PhasePending})
	}
	return results
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SupervisorLauncher adapts an executor.Supervisor to the Launcher interface
type SupervisorLauncher struct {
	Supervisor *executor.Supervisor
}

// Launch starts the phase through the supervisor
func (l SupervisorLauncher) Launch(ctx context.Context, def domain.PhaseDefinition, runID domain.RunID, logPath string) (Process, error) {
	p, err := l.Supervisor.Launch(ctx, def, runID, logPath)
	if err != nil {
		return nil, err
	}
	return p, nil
}
