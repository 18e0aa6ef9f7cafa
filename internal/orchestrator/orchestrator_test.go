package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
	"github.com/hochfrequenz/adw-orchestrator/internal/testutil"
	"github.com/hochfrequenz/adw-orchestrator/internal/verify"
)

// outcome scripts what a fake phase does
type outcome struct {
	exitCode  int
	stderr    string
	launchErr error
	block     bool
}

type fakeProc struct {
	pid        int
	res        executor.Result
	release    chan struct{}
	once       sync.Once
	terminated bool
	onWait     func()
}

func (p *fakeProc) PID() int             { return p.pid }
func (p *fakeProc) CommandLine() string  { return fmt.Sprintf("claude fake %d", p.pid) }
func (p *fakeProc) StartedAt() time.Time { return time.Now() }

func (p *fakeProc) Wait() executor.Result {
	if p.onWait != nil {
		p.onWait()
	}
	if p.release != nil {
		<-p.release
	}
	return p.res
}

func (p *fakeProc) Terminate() error {
	p.once.Do(func() {
		p.terminated = true
		p.res = executor.Result{ExitCode: -1, Terminated: true}
		if p.release != nil {
			close(p.release)
		}
	})
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	launched []string
	procs    map[string]*fakeProc
	started  chan string
	store    *runstate.Store
	// status observed while waiting, per phase
	seenWhileWaiting map[string]domain.PhaseStatus
}

func newFakeLauncher(store *runstate.Store, outcomes map[string]outcome) *fakeLauncher {
	return &fakeLauncher{
		outcomes:         outcomes,
		procs:            make(map[string]*fakeProc),
		started:          make(chan string, 16),
		store:            store,
		seenWhileWaiting: make(map[string]domain.PhaseStatus),
	}
}

func (l *fakeLauncher) Launch(ctx context.Context, def domain.PhaseDefinition, runID domain.RunID, logPath string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.outcomes[def.Name]
	if o.launchErr != nil {
		return nil, o.launchErr
	}
	l.launched = append(l.launched, def.Name)
	p := &fakeProc{
		pid: 1000 + len(l.launched),
		res: executor.Result{ExitCode: o.exitCode, StderrPrefix: o.stderr},
	}
	if o.block {
		p.release = make(chan struct{})
	}
	p.onWait = func() {
		doc, err := l.store.PhaseStatuses(runID)
		if err == nil {
			l.mu.Lock()
			l.seenWhileWaiting[def.Name] = doc.Phases[def.Name].Status
			l.mu.Unlock()
		}
	}
	l.procs[def.Name] = p
	l.started <- def.Name
	return p, nil
}

func (l *fakeLauncher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

type fakeVerifier struct {
	outcome verify.Outcome
	calls   int
}

func (v *fakeVerifier) Verify(ctx context.Context, state *runstate.RunState, marker string, maxAge time.Duration) verify.Outcome {
	v.calls++
	return v.outcome
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type harness struct {
	orch     *Orchestrator
	store    *runstate.Store
	launcher *fakeLauncher
	verifier *fakeVerifier
	sink     *recordingSink
	sleeps   []time.Duration
}

func testRegistry() *registry.Holder {
	cfg := config.Default()
	cfg.PhaseChains = map[string]config.ChainConfig{
		"post_build": {Phases: []string{"test", "review", "pr"}, TriggerEvents: []string{"build_complete"}},
		"empty":      {},
		"broken":     {Phases: []string{"test", "ghost"}},
		"first":      {Phases: []string{"test"}, NextChain: "second"},
		"second":     {Phases: []string{"review"}, NextChain: "first"},
	}
	cfg.PhaseConfig = map[string]config.PhaseConfig{
		"test":   {Command: "/test", CompletionMarker: "Tests passed"},
		"review": {Command: "/review"},
		"pr":     {Command: "/pull_request"},
	}
	return registry.NewHolder(registry.New(cfg))
}

func newHarness(t *testing.T, policy Policy, outcomes map[string]outcome) *harness {
	t.Helper()
	store := runstate.New(filepath.Join(t.TempDir(), "agents"))
	h := &harness{
		store:    store,
		launcher: newFakeLauncher(store, outcomes),
		verifier: &fakeVerifier{outcome: verify.Verified},
		sink:     &recordingSink{},
	}
	h.orch = New(Deps{
		Registry: testRegistry(),
		Store:    store,
		Launcher: h.launcher,
		Verifier: h.verifier,
		Sink:     h.sink,
	}, policy)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func defaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Automation)
}

func TestRun_AllPhasesSucceed(t *testing.T) {
	h := newHarness(t, defaultPolicy(), nil)

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build", Trigger: domain.TriggerDirect})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, domain.ChainSucceeded, res.Status)
	assert.Equal(t, []string{"test", "review", "pr"}, h.launcher.Launched())
	assert.NotEmpty(t, res.ExecutionID)

	doc, err := h.store.PhaseStatuses("abc123")
	require.NoError(t, err)
	for _, phase := range []string{"test", "review", "pr"} {
		assert.Equal(t, domain.PhaseCompleted, doc.Phases[phase].Status, phase)
		assert.Equal(t, domain.PhaseRunning, h.launcher.seenWhileWaiting[phase], "%s should be running while waited on", phase)
	}
	assert.Equal(t, "pr", doc.CurrentPhase)

	ledger, err := h.store.ProcessLedger("abc123")
	require.NoError(t, err)
	assert.Len(t, ledger, 3)

	// settle delay for the one marker phase, then two inter-phase pauses
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second, 3 * time.Second}, h.sleeps)
	assert.Equal(t, 1, h.verifier.calls)
}

func TestRun_StopOnFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy(), map[string]outcome{
		"review": {exitCode: 2, stderr: "boom"},
	})

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)
	res := results[0]

	assert.Equal(t, domain.ChainAborted, res.Status)
	assert.Equal(t, []string{"test", "review"}, h.launcher.Launched())
	require.Len(t, res.Phases, 3)
	assert.Equal(t, domain.PhasePending, res.Phases[2].Status)
	assert.Equal(t, "review", res.FailedPhase())

	doc, err := h.store.PhaseStatuses("abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, doc.Phases["review"].Status)
	assert.Equal(t, "Exit code: 2; stderr: boom", doc.Phases["review"].Details)
	_, recorded := doc.Phases["pr"]
	assert.False(t, recorded, "pending phases are never written")
}

func TestRun_ContinueOnFailure(t *testing.T) {
	policy := defaultPolicy()
	policy.StopOnFailure = false
	h := newHarness(t, policy, map[string]outcome{
		"test":   {exitCode: 1},
		"review": {exitCode: 1},
	})

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)
	res := results[0]

	assert.Equal(t, domain.ChainSucceeded, res.Status)
	assert.Equal(t, []string{"test", "review", "pr"}, h.launcher.Launched())
	assert.False(t, res.AllSucceeded())
	assert.Equal(t, domain.PhaseCompleted, res.Phases[2].Status)
	assert.Zero(t, h.verifier.calls, "failed phases are not verified")
}

func TestRun_LaunchErrorAbortsLikeFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy(), map[string]outcome{
		"test": {launchErr: errors.New("exec: \"claude\": executable file not found")},
	})

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)
	res := results[0]

	assert.Equal(t, domain.ChainAborted, res.Status)
	assert.Empty(t, h.launcher.Launched())

	doc, err := h.store.PhaseStatuses("abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, doc.Phases["test"].Status)
	assert.Contains(t, doc.Phases["test"].Details, "Launch error:")
}

func TestRun_UnverifiedContinues(t *testing.T) {
	h := newHarness(t, defaultPolicy(), nil)
	h.verifier.outcome = verify.Unverified

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)
	res := results[0]

	assert.Equal(t, domain.ChainSucceeded, res.Status)
	assert.Equal(t, domain.PhaseCompletedUnverified, res.Phases[0].Status)
	assert.Equal(t, 3, len(h.launcher.Launched()))
}

func TestRun_HaltOnUnverified(t *testing.T) {
	policy := defaultPolicy()
	policy.HaltOnUnverified = true
	h := newHarness(t, policy, nil)
	h.verifier.outcome = verify.Unverified

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)

	assert.Equal(t, domain.ChainAborted, results[0].Status)
	assert.Equal(t, []string{"test"}, h.launcher.Launched())
}

func TestRun_VerificationFailsOpenWithoutIssue(t *testing.T) {
	h := newHarness(t, defaultPolicy(), nil)
	h.orch.deps.Verifier = verify.New(nil, true, 5, nil)

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build"})
	require.NoError(t, err)

	doc, err := h.store.PhaseStatuses("abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, doc.Phases["test"].Status)
	assert.Equal(t, verify.NotApplicable, results[0].Phases[0].Verification)
}

func TestRun_ConfigurationErrors(t *testing.T) {
	for _, chain := range []string{"nope", "empty", "broken"} {
		t.Run(chain, func(t *testing.T) {
			h := newHarness(t, defaultPolicy(), nil)
			results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: chain})
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
			assert.Empty(t, results)
			assert.Empty(t, h.launcher.Launched())
			assert.False(t, h.store.Exists("abc123"))
		})
	}
}

func TestRun_CancelTerminatesInFlightPhase(t *testing.T) {
	h := newHarness(t, defaultPolicy(), map[string]outcome{
		"test": {block: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	var results []*ChainResult
	go func() {
		var err error
		results, err = h.orch.Run(ctx, Request{RunID: "abc123", Chain: "post_build"})
		errCh <- err
	}()

	select {
	case <-h.launcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("phase never launched")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	assert.True(t, h.launcher.procs["test"].terminated)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ChainAborted, results[0].Status)

	doc, err := h.store.PhaseStatuses("abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, doc.Phases["test"].Status)
	assert.Equal(t, "Interrupted", doc.Phases["test"].Details)
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness(t, defaultPolicy(), map[string]outcome{"pr": {exitCode: 4}})

	_, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "post_build", Trigger: domain.TriggerWebhook})
	require.NoError(t, err)

	evs := h.sink.events
	require.NotEmpty(t, evs)
	assert.Equal(t, domain.EventChainStatus, evs[0].Type)
	assert.Equal(t, domain.ChainRunning, evs[0].ChainStatus)

	last := evs[len(evs)-1]
	assert.Equal(t, domain.EventChainStatus, last.Type)
	assert.Equal(t, domain.ChainAborted, last.ChainStatus)
	assert.Equal(t, "pr", last.Phase)
	assert.Equal(t, domain.TriggerWebhook, last.Trigger)

	var phaseEvents int
	for _, ev := range evs {
		assert.Equal(t, evs[0].ExecutionID, ev.ExecutionID)
		if ev.Type == domain.EventPhaseStatus {
			phaseEvents++
		}
	}
	// running + terminal for each of three phases
	assert.Equal(t, 6, phaseEvents)
}

func TestRun_FollowsNextChainUntilCycle(t *testing.T) {
	h := newHarness(t, defaultPolicy(), nil)

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "first"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Chain)
	assert.Equal(t, "second", results[1].Chain)
	assert.Equal(t, []string{"test", "review"}, h.launcher.Launched())
}

func TestRun_NextChainDisabled(t *testing.T) {
	policy := defaultPolicy()
	policy.AutoChainOnSuccess = false
	h := newHarness(t, policy, nil)

	results, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "first"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRun_CachesRepositorySlug(t *testing.T) {
	h := newHarness(t, defaultPolicy(), nil)
	require.NoError(t, h.store.Save("abc123", &runstate.RunState{IssueNumber: 7}))

	var lookups int
	h.orch.deps.RepoSlug = func(string) string {
		lookups++
		return "acme/widgets"
	}

	_, err := h.orch.Run(context.Background(), Request{RunID: "abc123", Chain: "first"})
	require.NoError(t, err)

	state, err := h.store.Load("abc123")
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", state.RepositorySlug)
	// the second chain reads the cached slug
	assert.Equal(t, 1, lookups)
}

func TestRun_WithSupervisor(t *testing.T) {
	dir := t.TempDir()
	okScript := testutil.WriteScript(t, dir, "ok.sh", `echo "running $1"`)
	failScript := testutil.WriteScript(t, dir, "fail.sh", `echo "lint exploded" >&2; exit 5`)

	cfg := config.Default()
	cfg.PhaseChains = map[string]config.ChainConfig{"ci": {Phases: []string{"build", "lint", "ship"}}}
	cfg.PhaseConfig = map[string]config.PhaseConfig{
		"build": {Command: okScript},
		"lint":  {Command: failScript},
		"ship":  {Command: okScript},
	}

	store := runstate.New(filepath.Join(dir, "agents"))
	sup := executor.NewSupervisor(executor.Options{Tool: "/bin/sh", Dir: dir}, nil)
	policy := defaultPolicy()
	policy.PauseBetweenPhases = 0

	orch := New(Deps{
		Registry: registry.NewHolder(registry.New(cfg)),
		Store:    store,
		Launcher: SupervisorLauncher{Supervisor: sup},
		Verifier: verify.New(nil, true, 5, nil),
	}, policy)

	results, err := orch.Run(context.Background(), Request{RunID: "feed01", Chain: "ci"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChainAborted, results[0].Status)

	doc, err := store.PhaseStatuses("feed01")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, doc.Phases["build"].Status)
	assert.Equal(t, domain.PhaseFailed, doc.Phases["lint"].Status)
	assert.Equal(t, "Exit code: 5; stderr: lint exploded", doc.Phases["lint"].Details)

	out, err := os.ReadFile(store.PhaseLogPath("feed01", "build"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "running feed01")
}
