// Package testutil holds helpers for tests that run real child processes.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteScript writes an executable /bin/sh script named name into dir and returns its path
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("writing script %s: %v", name, err)
	}
	return path
}

// WaitForFile polls until path exists or timeout elapses
func WaitForFile(t testing.TB, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}
