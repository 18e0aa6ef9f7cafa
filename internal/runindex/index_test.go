package runindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// publishChain feeds the events one chain execution produces
func publishChain(idx *Index, execID string, runID domain.RunID, start time.Time, failAt string, phases ...string) {
	idx.Publish(domain.Event{Type: domain.EventChainStatus, ExecutionID: execID, RunID: runID, Chain: "post_build",
		ChainStatus: domain.ChainRunning, Trigger: domain.TriggerWebhook, Time: start})

	status := domain.ChainSucceeded
	at := start
	for _, phase := range phases {
		at = at.Add(time.Minute)
		idx.Publish(domain.Event{Type: domain.EventPhaseStatus, ExecutionID: execID, RunID: runID, Phase: phase,
			PhaseStatus: domain.PhaseRunning, Details: "PID: 1", Time: at})
		ev := domain.Event{Type: domain.EventPhaseStatus, ExecutionID: execID, RunID: runID, Phase: phase,
			PhaseStatus: domain.PhaseCompleted, Duration: time.Minute, Time: at}
		if phase == failAt {
			ev.PhaseStatus, ev.ExitCode, ev.Details = domain.PhaseFailed, 2, "Exit code: 2"
			status = domain.ChainAborted
		}
		idx.Publish(ev)
		if phase == failAt {
			break
		}
	}

	end := domain.Event{Type: domain.EventChainStatus, ExecutionID: execID, RunID: runID, Chain: "post_build",
		ChainStatus: status, Time: at}
	if status == domain.ChainAborted {
		end.Phase = failAt
	}
	idx.Publish(end)
}

func TestIndex_RecordsChainAndPhases(t *testing.T) {
	idx := openTest(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	publishChain(idx, "exec-1", "abc123", start, "review", "test", "review", "pr")

	runs, err := idx.ForRun("abc123", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, domain.ChainAborted, run.Status)
	assert.Equal(t, "review", run.FailedPhase)
	assert.Equal(t, domain.TriggerWebhook, run.Trigger)
	assert.True(t, run.StartedAt.Equal(start))
	require.NotNil(t, run.FinishedAt)

	require.Len(t, run.Phases, 2, "running transitions are not recorded")
	assert.Equal(t, "test", run.Phases[0].Phase)
	assert.Equal(t, domain.PhaseCompleted, run.Phases[0].Status)
	assert.Equal(t, domain.PhaseFailed, run.Phases[1].Status)
	assert.Equal(t, 2, run.Phases[1].ExitCode)
	assert.Equal(t, time.Minute, run.Phases[1].Duration)
}

func TestIndex_RecentNewestFirst(t *testing.T) {
	idx := openTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	publishChain(idx, "exec-1", "run1", base, "", "test")
	publishChain(idx, "exec-2", "run2", base.Add(time.Hour), "", "test")
	publishChain(idx, "exec-3", "run1", base.Add(2*time.Hour), "", "test")

	recent, err := idx.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "exec-3", recent[0].ExecutionID)
	assert.Equal(t, "exec-2", recent[1].ExecutionID)

	forRun, err := idx.ForRun("run1", 10)
	require.NoError(t, err)
	require.Len(t, forRun, 2)
	assert.Equal(t, "exec-3", forRun[0].ExecutionID)
	assert.Equal(t, domain.ChainSucceeded, forRun[1].Status)
}

func TestIndex_UnfinishedChain(t *testing.T) {
	idx := openTest(t)
	idx.Publish(domain.Event{Type: domain.EventChainStatus, ExecutionID: "exec-1", RunID: "abc123",
		Chain: "post_build", ChainStatus: domain.ChainRunning, Time: time.Now()})

	runs, err := idx.Recent(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.ChainRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Empty(t, runs[0].Phases)
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	idx, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	assert.FileExists(t, path)
}

func TestPrune(t *testing.T) {
	idx := openTest(t)
	now := time.Now()
	publishChain(idx, "old", "abc123", now.Add(-40*24*time.Hour), "", "test")
	publishChain(idx, "new", "abc123", now.Add(-time.Hour), "", "test")

	n, err := idx.Prune(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := idx.ForRun("abc123", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ExecutionID)
	assert.Len(t, runs[0].Phases, 1)

	var orphans int
	require.NoError(t, idx.db.QueryRow(`SELECT COUNT(*) FROM phase_runs WHERE execution_id = 'old'`).Scan(&orphans))
	assert.Zero(t, orphans)
}
