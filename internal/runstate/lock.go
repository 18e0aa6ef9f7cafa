package runstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// ErrRunLocked is returned when another orchestrator already drives the run
var ErrRunLocked = errors.New("run is already being orchestrated")

// RunLock is an exclusive advisory lock on one run's directory
type RunLock struct {
	runID    domain.RunID
	lockPath string
	lockFile *os.File
}

// Lock acquires the run lock without blocking
func (s *Store) Lock(runID domain.RunID) (*RunLock, error) {
	dir := s.OrchestratorDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create orchestrator dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening run lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
		}
		return nil, fmt.Errorf("locking run %s: %w", runID, err)
	}

	return &RunLock{runID: runID, lockPath: lockPath, lockFile: f}, nil
}

// Release releases the run lock
func (l *RunLock) Release() error {
	if l == nil || l.lockFile == nil {
		return nil
	}
	f := l.lockFile
	l.lockFile = nil

	if err := unlock(f); err != nil {
		f.Close()
		return fmt.Errorf("releasing run lock %s: %w", l.runID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run lock file: %w", err)
	}
	return nil
}
