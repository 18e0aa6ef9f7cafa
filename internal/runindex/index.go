// Package runindex keeps a SQLite history of chain executions fed by events.
package runindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
)

// Index provides SQLite-backed run history
type Index struct {
	db     *sql.DB
	logger *logging.Logger
}

// ChainRun is one recorded chain execution
type ChainRun struct {
	ExecutionID string
	RunID       domain.RunID
	Chain       string
	Trigger     domain.TriggerSource
	Status      domain.ChainStatus
	FailedPhase string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Phases      []PhaseRun
}

// PhaseRun is one recorded phase outcome
type PhaseRun struct {
	Phase      string
	Status     domain.PhaseStatus
	ExitCode   int
	Details    string
	Duration   time.Duration
	FinishedAt time.Time
}

// Open opens or creates the index at dbPath; ":memory:" is accepted
func Open(dbPath string, logger *logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Index{db: db, logger: logger}, nil
}

// Close closes the database connection
func (x *Index) Close() error {
	return x.db.Close()
}

// Publish records chain starts, chain outcomes and terminal phase outcomes
func (x *Index) Publish(ev domain.Event) {
	var err error
	switch ev.Type {
	case domain.EventChainStatus:
		if ev.ChainStatus == domain.ChainRunning {
			err = x.startChain(ev)
		} else {
			err = x.finishChain(ev)
		}
	case domain.EventPhaseStatus:
		if ev.PhaseStatus.Terminal() {
			err = x.recordPhase(ev)
		}
	}
	if err != nil {
		x.logger.Warn(context.Background(), "recording run history",
			zap.String("execution_id", ev.ExecutionID), zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func (x *Index) startChain(ev domain.Event) error {
	_, err := x.db.Exec(`
		INSERT INTO chain_runs (execution_id, adw_id, chain, trigger_source, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO NOTHING
	`, ev.ExecutionID, ev.RunID.String(), ev.Chain, string(ev.Trigger), string(ev.ChainStatus), ev.Time.UTC())
	return err
}

func (x *Index) finishChain(ev domain.Event) error {
	_, err := x.db.Exec(`
		UPDATE chain_runs SET status = ?, failed_phase = ?, finished_at = ?
		WHERE execution_id = ?
	`, string(ev.ChainStatus), ev.Phase, ev.Time.UTC(), ev.ExecutionID)
	return err
}

func (x *Index) recordPhase(ev domain.Event) error {
	_, err := x.db.Exec(`
		INSERT INTO phase_runs (execution_id, phase, status, exit_code, details, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ExecutionID, ev.Phase, string(ev.PhaseStatus), ev.ExitCode, ev.Details, ev.Duration.Milliseconds(), ev.Time.UTC())
	return err
}

// Recent returns the most recent chain executions across all runs
func (x *Index) Recent(limit int) ([]*ChainRun, error) {
	return x.list(`SELECT execution_id, adw_id, chain, trigger_source, status, failed_phase, started_at, finished_at
		FROM chain_runs ORDER BY started_at DESC LIMIT ?`, limitOrDefault(limit))
}

// ForRun returns the chain executions of one run, newest first
func (x *Index) ForRun(runID domain.RunID, limit int) ([]*ChainRun, error) {
	return x.list(`SELECT execution_id, adw_id, chain, trigger_source, status, failed_phase, started_at, finished_at
		FROM chain_runs WHERE adw_id = ? ORDER BY started_at DESC LIMIT ?`, runID.String(), limitOrDefault(limit))
}

func (x *Index) list(query string, args ...interface{}) ([]*ChainRun, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}

	var runs []*ChainRun
	for rows.Next() {
		run, err := scanChainRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// phases are loaded after the cursor closes; the pool holds one connection
	for _, run := range runs {
		if run.Phases, err = x.phases(run.ExecutionID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (x *Index) phases(executionID string) ([]PhaseRun, error) {
	rows, err := x.db.Query(`
		SELECT phase, status, exit_code, details, duration_ms, finished_at
		FROM phase_runs WHERE execution_id = ? ORDER BY id
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []PhaseRun
	for rows.Next() {
		var p PhaseRun
		var status string
		var details sql.NullString
		var durationMS int64
		if err := rows.Scan(&p.Phase, &status, &p.ExitCode, &details, &durationMS, &p.FinishedAt); err != nil {
			return nil, err
		}
		p.Status = domain.PhaseStatus(status)
		p.Details = details.String
		p.Duration = time.Duration(durationMS) * time.Millisecond
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func scanChainRun(rows *sql.Rows) (*ChainRun, error) {
	var run ChainRun
	var runID, status string
	var trigger, failed sql.NullString
	var finished sql.NullTime

	if err := rows.Scan(&run.ExecutionID, &runID, &run.Chain, &trigger, &status, &failed, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.RunID = domain.RunID(runID)
	run.Trigger = domain.TriggerSource(trigger.String)
	run.Status = domain.ChainStatus(status)
	run.FailedPhase = failed.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// Prune deletes chain executions that started before cutoff, returning how many were removed
func (x *Index) Prune(cutoff time.Time) (int64, error) {
	tx, err := x.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM phase_runs WHERE execution_id IN (
			SELECT execution_id FROM chain_runs WHERE started_at < ?
		)
	`, cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM chain_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
