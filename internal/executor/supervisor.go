// Package executor launches phase commands as supervised child processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
)

const (
	// DefaultGrace is how long a child gets to exit after SIGTERM before SIGKILL
	DefaultGrace = 5 * time.Second
	// DefaultStderrLimit bounds the stderr prefix kept for diagnostics
	DefaultStderrLimit = 500
)

// ErrTerminateTimeout is returned when a child survives SIGKILL
var ErrTerminateTimeout = errors.New("process did not exit after kill")

// Options configures a Supervisor
type Options struct {
	Tool        string        // executable invoked for every phase, e.g. "claude"
	Dir         string        // working directory for children
	Grace       time.Duration // SIGTERM to SIGKILL delay
	StderrLimit int
}

// Supervisor starts phase commands and hands back owned process handles
type Supervisor struct {
	opts   Options
	logger *logging.Logger
}

// NewSupervisor creates a supervisor; zero options fall back to defaults
func NewSupervisor(opts Options, logger *logging.Logger) *Supervisor {
	if opts.Tool == "" {
		opts.Tool = "claude"
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.StderrLimit <= 0 {
		opts.StderrLimit = DefaultStderrLimit
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{opts: opts, logger: logger}
}

// CommandLine returns the command that would be run for def, for audit
func (s *Supervisor) CommandLine(def domain.PhaseDefinition, runID domain.RunID) string {
	return strings.Join(append([]string{s.opts.Tool}, def.Args(runID)...), " ")
}

// Launch starts the phase command. Output is appended to logPath when non-empty.
// Cancelling ctx terminates the child.
func (s *Supervisor) Launch(ctx context.Context, def domain.PhaseDefinition, runID domain.RunID, logPath string) (*Process, error) {
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("creating phase log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("creating phase log: %w", err)
		}
		logFile = f
	}

	cmd := exec.Command(s.opts.Tool, def.Args(runID)...)
	cmd.Dir = s.opts.Dir
	setProcessGroup(cmd)

	p := &Process{
		phase:       def.Name,
		commandLine: s.CommandLine(def, runID),
		logPath:     logPath,
		cmd:         cmd,
		grace:       s.opts.Grace,
		logFile:     logFile,
		logger:      s.logger,
		stderr:      &prefixBuffer{limit: s.opts.StderrLimit},
		done:        make(chan struct{}),
	}
	p.stdoutW = &lineWriter{emit: func(line string) { p.writeLine(line, false) }}
	p.stderrW = &lineWriter{emit: func(line string) { p.writeLine(line, true) }}
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	// pipes still held by background descendants are closed this long after the child exits
	cmd.WaitDelay = s.opts.Grace

	if err := cmd.Start(); err != nil {
		closeFile(logFile)
		return nil, fmt.Errorf("starting %s: %w", s.opts.Tool, err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()

	s.logger.Debug(ctx, "process started", zap.Int("pid", p.pid), zap.String("command", p.commandLine))

	go p.wait(ctx)
	go func() {
		select {
		case <-ctx.Done():
			if err := p.Terminate(); err != nil {
				s.logger.Error(ctx, "terminating process", zap.Int("pid", p.pid), zap.Error(err))
			}
		case <-p.done:
		}
	}()

	return p, nil
}

// Result is the outcome of a finished child
type Result struct {
	ExitCode     int
	StderrPrefix string
	Terminated   bool
	Err          error
}

// Success reports whether the child exited with status zero
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Process is an owned handle on one running phase command
type Process struct {
	phase       string
	pid         int
	commandLine string
	startedAt   time.Time
	logPath     string

	cmd        *exec.Cmd
	grace      time.Duration
	logFile    *os.File
	logger     *logging.Logger
	stdoutW    *lineWriter
	stderrW    *lineWriter
	stderr     *prefixBuffer
	done       chan struct{}
	result     Result
	terminated bool
	termOnce   sync.Once
	termErr    error
	mu         sync.Mutex
}

// Phase returns the phase name the process was launched for
func (p *Process) Phase() string { return p.phase }

// PID returns the child's process ID
func (p *Process) PID() int { return p.pid }

// CommandLine returns the launched command for audit
func (p *Process) CommandLine() string { return p.commandLine }

// StartedAt returns when the child was started
func (p *Process) StartedAt() time.Time { return p.startedAt }

// LogPath returns the file capturing the child's output, if any
func (p *Process) LogPath() string { return p.logPath }

// Done is closed once the child has exited and its output is drained
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits
func (p *Process) Wait() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Terminate sends SIGTERM, waits up to the grace period, then SIGKILLs the process group.
// It is safe to call more than once and after the child has already exited.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate()
	})
	return p.termErr
}

func (p *Process) terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()

	if err := signalTerm(p.cmd); err != nil && !isProcessGone(err) {
		return fmt.Errorf("sending SIGTERM to %d: %w", p.pid, err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := signalKill(p.cmd); err != nil && !isProcessGone(err) {
		return fmt.Errorf("sending SIGKILL to %d: %w", p.pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		return fmt.Errorf("%w: pid %d", ErrTerminateTimeout, p.pid)
	}
}

func (p *Process) writeLine(line string, fromStderr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fromStderr {
		p.stderr.WriteLine(line)
	}
	if p.logFile != nil {
		p.logFile.WriteString(line + "\n")
	}
}

func (p *Process) wait(ctx context.Context) {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		p.logger.Warn(ctx, "phase exited but a descendant still held its output; output detached",
			zap.Int("pid", p.pid), zap.String("phase", p.phase))
		err = nil
	}
	p.stdoutW.flush()
	p.stderrW.flush()

	p.mu.Lock()
	p.result = Result{ExitCode: 0, StderrPrefix: p.stderr.String(), Terminated: p.terminated}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.result.ExitCode = exitErr.ExitCode()
		} else {
			p.result.ExitCode = -1
			p.result.Err = err
		}
	}
	closeFile(p.logFile)
	p.logFile = nil
	p.mu.Unlock()

	close(p.done)
}

// maxLineLength bounds how much of an unterminated line is buffered before it is emitted
const maxLineLength = 1024 * 1024

// lineWriter splits a byte stream into lines; exec.Cmd calls Write from one goroutine per stream
type lineWriter struct {
	buf  []byte
	emit func(line string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.flush()
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}

// prefixBuffer keeps at most limit bytes of the text written to it, cut on a rune boundary
type prefixBuffer struct {
	limit int
	full  bool
	b     strings.Builder
}

func (pb *prefixBuffer) WriteLine(line string) {
	if pb.full {
		return
	}
	if pb.b.Len() > 0 {
		if pb.b.Len()+1 > pb.limit {
			pb.full = true
			return
		}
		pb.b.WriteByte('\n')
	}
	remaining := pb.limit - pb.b.Len()
	if len(line) > remaining {
		for remaining > 0 && !utf8.RuneStart(line[remaining]) {
			remaining--
		}
		line = line[:remaining]
		pb.full = true
	}
	pb.b.WriteString(line)
}

func (pb *prefixBuffer) String() string {
	return pb.b.String()
}

func closeFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}
