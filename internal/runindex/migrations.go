package runindex

const schema = `
CREATE TABLE IF NOT EXISTS chain_runs (
    execution_id TEXT PRIMARY KEY,
    adw_id TEXT NOT NULL,
    chain TEXT NOT NULL,
    trigger_source TEXT,
    status TEXT NOT NULL,
    failed_phase TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chain_runs_adw_id ON chain_runs(adw_id);
CREATE INDEX IF NOT EXISTS idx_chain_runs_started_at ON chain_runs(started_at);

CREATE TABLE IF NOT EXISTS phase_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES chain_runs(execution_id),
    phase TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_code INTEGER,
    details TEXT,
    duration_ms INTEGER,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_phase_runs_execution_id ON phase_runs(execution_id);
`
