package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestWithFile_AppendsToRunLog(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "info", Format: "console", ConsoleOutput: false, FileLogging: true})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "orchestrator", "orchestrator.log")
	runLog, closeFn, err := l.WithFile(path)
	require.NoError(t, err)

	ctx := WithRun(context.Background(), "abc123", "post_build", "")
	runLog.Info(WithPhase(ctx, "test"), "phase started", zap.Int("pid", 42))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, "phase started"), "log file: %s", line)
	assert.Contains(t, line, "abc123")
	assert.Regexp(t, `"phase":\s?"test"`, line)
}

func TestWithFile_Disabled(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "info", FileLogging: false})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "orchestrator.log")
	same, closeFn, err := l.WithFile(path)
	require.NoError(t, err)
	assert.Same(t, l, same)
	require.NoError(t, closeFn())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithPhase(WithRun(context.Background(), "r1", "c1", "e1"), "review")
	fields := ContextFields(ctx)
	require.Len(t, fields, 4)
	assert.Equal(t, "adw_id", fields[0].Key)
	assert.Equal(t, "review", fields[2].String)
}

func TestTestLogger_AssertLogged(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "marker not found")
	tl.AssertLogged(t, zapcore.WarnLevel, "marker")
	assert.Len(t, tl.All(), 1)
}
