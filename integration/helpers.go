//go:build integration

package integration

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath builds the CLI once per test binary and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	abs, err := filepath.Abs("../adw-orch")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(abs); err == nil {
		return abs
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", abs, "../cmd/adw-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return abs
}

// project is a scratch base directory with phase scripts and a config file
type project struct {
	dir    string
	config string
}

// phaseScript describes the shell body run for one phase
type phaseScript struct {
	name string
	body string
}

func newProject(t *testing.T, webhook string, phases ...phaseScript) *project {
	t.Helper()
	dir := t.TempDir()

	var names, phaseConfig []string
	for _, p := range phases {
		script := filepath.Join(dir, p.name+".sh")
		if err := os.WriteFile(script, []byte("#!/bin/sh\n"+p.body+"\n"), 0755); err != nil {
			t.Fatal(err)
		}
		names = append(names, fmt.Sprintf("%q", p.name))
		phaseConfig = append(phaseConfig, fmt.Sprintf("[phase_config.%s]\ncommand = %q\n", p.name, script))
	}

	cfg := fmt.Sprintf(`[general]
base_dir = %q
tool = "/bin/sh"
database_path = %q

[automation]
pause_between_phases_seconds = 0
hooks_enabled = true

[logging]
file_logging = true

%s

[phase_chains.post_build]
phases = [%s]
trigger_events = ["build_complete"]

%s
`, dir, filepath.Join(dir, "runs.db"), webhook, strings.Join(names, ", "), strings.Join(phaseConfig, "\n"))

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return &project{dir: dir, config: path}
}

func (p *project) command(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append([]string{"--config", p.config}, args...)...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), "GITHUB_TOKEN=", "ADW_WEBHOOK_SECRET=")
	return cmd
}

func (p *project) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	out, err := p.command(t, args...).CombinedOutput()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode()
	}
	if err != nil {
		t.Fatalf("running %v: %v", args, err)
	}
	return string(out), 0
}

func (p *project) statusFile(runID string) string {
	return filepath.Join(p.dir, "agents", runID, "orchestrator", "orchestration_status.json")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
