package repository

import "strings"

// Schema definitions for the EDRS database.
// Compatible with both SQLite and PostgreSQL; {{BLOB}} is rendered per driver.

const schemaDatasets = `
CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    format TEXT NOT NULL,
    content {{BLOB}} NOT NULL,
    size INTEGER NOT NULL,
    uploaded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_datasets_tenant ON datasets(tenant_id, uploaded_at);
`

const schemaScoringRuns = `
CREATE TABLE IF NOT EXISTS scoring_runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    dataset_id TEXT,
    scorecard_version TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    has_label INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL,
    bands TEXT NOT NULL DEFAULT '[]',
    flagged TEXT NOT NULL DEFAULT '[]',
    scored INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scoring_runs_tenant ON scoring_runs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scoring_runs_dataset ON scoring_runs(tenant_id, dataset_id);
`

// schemaScoredAccounts keeps each run's priority table; position is the rank.
const schemaScoredAccounts = `
CREATE TABLE IF NOT EXISTS scored_accounts (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    score REAL NOT NULL,
    bucket TEXT NOT NULL,
    record TEXT NOT NULL,
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_scored_accounts_account ON scored_accounts(tenant_id, run_id, account_id);
CREATE INDEX IF NOT EXISTS idx_scored_accounts_bucket ON scored_accounts(tenant_id, run_id, bucket);
`

const schemaRecordFailures = `
CREATE TABLE IF NOT EXISTS record_failures (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    row_num INTEGER NOT NULL DEFAULT 0,
    account_id TEXT,
    kind TEXT NOT NULL,
    field TEXT,
    reason TEXT NOT NULL,
    PRIMARY KEY (run_id, position)
);
`

const schemaScorecards = `
CREATE TABLE IF NOT EXISTS scorecards (
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_scorecards_updated ON scorecards(tenant_id, updated_at);
`

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	schemas := []string{
		schemaDatasets,
		schemaScoringRuns,
		schemaScoredAccounts,
		schemaRecordFailures,
		schemaScorecards,
	}
	for i, s := range schemas {
		schemas[i] = strings.ReplaceAll(s, "{{BLOB}}", blob)
	}
	return schemas
}
