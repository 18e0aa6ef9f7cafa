// Package runstate persists per-run documents under the agents directory.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

const (
	stateFile     = "adw_state.json"
	orchestratorD = "orchestrator"
	pidsFile      = "session_pids.json"
	statusFile    = "orchestration_status.json"
	logFile       = "orchestrator.log"
	lockFile      = "run.lock"
	phaseLogsDir  = "phases"
)

// Store reads and writes run documents rooted at an agents directory
type Store struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[domain.RunID]*sync.Mutex
}

// New creates a store rooted at root (typically <base_dir>/agents)
func New(root string) *Store {
	return &Store{
		root:  root,
		now:   time.Now,
		locks: make(map[domain.RunID]*sync.Mutex),
	}
}

// Root returns the agents directory
func (s *Store) Root() string {
	return s.root
}

// RunDir returns the directory holding a run's documents
func (s *Store) RunDir(runID domain.RunID) string {
	return filepath.Join(s.root, runID.String())
}

// OrchestratorDir returns the directory holding orchestrator-owned files
func (s *Store) OrchestratorDir(runID domain.RunID) string {
	return filepath.Join(s.RunDir(runID), orchestratorD)
}

// LogPath returns the per-run orchestrator log file
func (s *Store) LogPath(runID domain.RunID) string {
	return filepath.Join(s.OrchestratorDir(runID), logFile)
}

// PhaseLogPath returns the file capturing a phase's output
func (s *Store) PhaseLogPath(runID domain.RunID, phase string) string {
	return filepath.Join(s.OrchestratorDir(runID), phaseLogsDir, phase+".log")
}

// Exists reports whether any state has been recorded for the run
func (s *Store) Exists(runID domain.RunID) bool {
	_, err := os.Stat(s.RunDir(runID))
	return err == nil
}

// Load returns the run's metadata document, or an empty one if none exists
func (s *Store) Load(runID domain.RunID) (*RunState, error) {
	state := &RunState{}
	if err := readJSON(filepath.Join(s.RunDir(runID), stateFile), state); err != nil {
		return nil, fmt.Errorf("loading run state %s: %w", runID, err)
	}
	return state, nil
}

// Save overwrites the run's metadata document atomically
func (s *Store) Save(runID domain.RunID, state *RunState) error {
	unlock := s.lockRun(runID)
	defer unlock()
	return writeJSON(filepath.Join(s.RunDir(runID), stateFile), state)
}

// RecordProcess merges one process ledger entry, replacing any previous entry for the phase
func (s *Store) RecordProcess(runID domain.RunID, phase string, entry ProcessEntry) error {
	unlock := s.lockRun(runID)
	defer unlock()

	path := filepath.Join(s.OrchestratorDir(runID), pidsFile)
	ledger := ProcessLedger{}
	if err := readJSON(path, &ledger); err != nil {
		return fmt.Errorf("loading process ledger %s: %w", runID, err)
	}
	if ledger == nil {
		ledger = ProcessLedger{}
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now()
	}
	ledger[phase] = entry
	return writeJSON(path, ledger)
}

// ProcessLedger returns the recorded process entries for a run
func (s *Store) ProcessLedger(runID domain.RunID) (ProcessLedger, error) {
	ledger := ProcessLedger{}
	if err := readJSON(filepath.Join(s.OrchestratorDir(runID), pidsFile), &ledger); err != nil {
		return nil, fmt.Errorf("loading process ledger %s: %w", runID, err)
	}
	return ledger, nil
}

// SetPhaseStatus merges one phase entry into the status document and marks it current
func (s *Store) SetPhaseStatus(runID domain.RunID, phase string, status domain.PhaseStatus, details string) error {
	unlock := s.lockRun(runID)
	defer unlock()

	path := filepath.Join(s.OrchestratorDir(runID), statusFile)
	doc := &StatusDocument{}
	if err := readJSON(path, doc); err != nil {
		return fmt.Errorf("loading status document %s: %w", runID, err)
	}
	if doc.Phases == nil {
		doc.Phases = make(map[string]PhaseEntry)
	}
	doc.Phases[phase] = PhaseEntry{
		Status:    status,
		UpdatedAt: s.now(),
		Details:   details,
	}
	doc.CurrentPhase = phase
	doc.ADWID = runID.String()
	return writeJSON(path, doc)
}

// PhaseStatuses returns the status document for a run; empty if none exists
func (s *Store) PhaseStatuses(runID domain.RunID) (*StatusDocument, error) {
	doc := &StatusDocument{}
	if err := readJSON(filepath.Join(s.OrchestratorDir(runID), statusFile), doc); err != nil {
		return nil, fmt.Errorf("loading status document %s: %w", runID, err)
	}
	if doc.Phases == nil {
		doc.Phases = make(map[string]PhaseEntry)
	}
	return doc, nil
}

// lockRun serialises read-modify-write cycles for one run within this process
func (s *Store) lockRun(runID domain.RunID) func() {
	s.mu.Lock()
	m, ok := s.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[runID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// readJSON decodes path into v; a missing file leaves v untouched
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path with the encoding of v via temp file and rename
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
