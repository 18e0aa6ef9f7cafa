package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/testutil"
)

func newShellSupervisor(t *testing.T, dir string) *Supervisor {
	t.Helper()
	return NewSupervisor(Options{Tool: "/bin/sh", Dir: dir, Grace: 200 * time.Millisecond, StderrLimit: 20}, nil)
}

func TestLaunch_SuccessCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "ok.sh", `echo "hello from $1"; pwd`)
	sup := newShellSupervisor(t, dir)

	logPath := filepath.Join(dir, "logs", "test.log")
	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script, RequiresRunID: true}, "abc123", logPath)
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
	assert.Equal(t, "/bin/sh "+script+" abc123", p.CommandLine())

	res := p.Wait()
	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from abc123")

	wantDir, _ := filepath.EvalSymlinks(dir)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	gotDir, _ := filepath.EvalSymlinks(lines[len(lines)-1])
	assert.Equal(t, wantDir, gotDir)
}

func TestLaunch_RunIDOmittedWhenNotRequired(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "args.sh", `echo "argc=$#"`)
	sup := newShellSupervisor(t, dir)

	logPath := filepath.Join(dir, "args.log")
	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "pr", Command: script}, "abc123", logPath)
	require.NoError(t, err)
	require.True(t, p.Wait().Success())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "argc=0")
}

func TestLaunch_NonZeroExitKeepsStderrPrefix(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "fail.sh", `echo "this error message is quite long indeed" >&2; exit 3`)
	sup := newShellSupervisor(t, dir)

	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script}, "abc123", "")
	require.NoError(t, err)

	res := p.Wait()
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "this error message i", res.StderrPrefix)
	assert.Len(t, res.StderrPrefix, 20)
}

func TestLaunch_StartError(t *testing.T) {
	sup := NewSupervisor(Options{Tool: filepath.Join(t.TempDir(), "no-such-tool")}, nil)
	_, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: "/test"}, "abc123", "")
	assert.Error(t, err)
}

func TestTerminate_ForceKillsChildIgnoringSIGTERM(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	script := testutil.WriteScript(t, dir, "stubborn.sh",
		`trap '' TERM; touch "`+ready+`"; while :; do sleep 0.1; done`)
	sup := newShellSupervisor(t, dir)

	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script}, "abc123", "")
	require.NoError(t, err)
	testutil.WaitForFile(t, ready, 5*time.Second)

	start := time.Now()
	require.NoError(t, p.Terminate())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "SIGKILL should only follow the grace period")
	assert.Less(t, elapsed, 3*time.Second)

	res := p.Wait()
	assert.True(t, res.Terminated)
	assert.False(t, res.Success())

	// a second call is a no-op
	assert.NoError(t, p.Terminate())
}

func TestLaunch_ContextCancelTerminates(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "sleepy.sh", `sleep 30`)
	sup := newShellSupervisor(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := sup.Launch(ctx, domain.PhaseDefinition{Name: "test", Command: script}, "abc123", "")
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated after cancel")
	}
	assert.True(t, p.Wait().Terminated)
}

func TestTerminate_AfterExit(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "quick.sh", `exit 0`)
	sup := newShellSupervisor(t, dir)

	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script}, "abc123", "")
	require.NoError(t, err)
	p.Wait()
	assert.NoError(t, p.Terminate())
}

func TestPrefixBuffer(t *testing.T) {
	pb := &prefixBuffer{limit: 10}
	pb.WriteLine("abc")
	pb.WriteLine("defghijkl")
	pb.WriteLine("ignored")
	assert.Equal(t, "abc\ndefghi", pb.String())
}

func TestPrefixBuffer_CutsOnRuneBoundary(t *testing.T) {
	pb := &prefixBuffer{limit: 5}
	pb.WriteLine("abcä€")
	assert.Equal(t, "abcä", pb.String())
	assert.True(t, utf8.ValidString(pb.String()))

	pb = &prefixBuffer{limit: 4}
	pb.WriteLine("ab€")
	assert.Equal(t, "ab", pb.String())
	pb.WriteLine("more")
	assert.Equal(t, "ab", pb.String(), "a truncated buffer accepts nothing further")
}

func TestLaunch_BackgroundDescendantDoesNotBlockWait(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "detach.sh", `echo started; sleep 8 & exit 0`)
	sup := newShellSupervisor(t, dir)

	logPath := filepath.Join(dir, "detach.log")
	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script}, "abc123", logPath)
	require.NoError(t, err)
	t.Cleanup(func() { signalKill(p.cmd) })

	start := time.Now()
	res := p.Wait()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, res.Success(), "result = %+v", res)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")
}

func TestLaunch_UnterminatedLastLineIsKept(t *testing.T) {
	dir := t.TempDir()
	script := testutil.WriteScript(t, dir, "partial.sh", `printf 'no newline' >&2; exit 1`)
	sup := newShellSupervisor(t, dir)

	p, err := sup.Launch(context.Background(), domain.PhaseDefinition{Name: "test", Command: script}, "abc123", "")
	require.NoError(t, err)
	assert.Equal(t, "no newline", p.Wait().StderrPrefix)
}
