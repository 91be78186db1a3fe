package repository

// Schema definitions for the Kestrel database.
// Compatible with SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    dataset_id TEXT NOT NULL,
    transaction_id BIGINT NOT NULL,
    transaction_date TIMESTAMP NOT NULL,
    country TEXT NOT NULL,
    transaction_amount DOUBLE PRECISION NOT NULL,
    verification_method TEXT NOT NULL,
    verification_success BOOLEAN,
    fraud_flag BOOLEAN,
    user_age INTEGER NOT NULL,
    user_gender TEXT NOT NULL,
    device_type TEXT NOT NULL,
    PRIMARY KEY (dataset_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(dataset_id, transaction_date);
CREATE INDEX IF NOT EXISTS idx_transactions_country ON transactions(dataset_id, country);
`

// schemaPipelineRuns stores one row per pipeline run. The full run record
// lives in the document column as JSON.
const schemaPipelineRuns = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    document TEXT NOT NULL,
    PRIMARY KEY (dataset_id, id)
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created ON pipeline_runs(dataset_id, created_at);
`

// schemaDatasets holds one version counter per dataset. Every write to
// the dataset's transactions bumps it in the same database transaction.
const schemaDatasets = `
CREATE TABLE IF NOT EXISTS datasets (
    dataset_id TEXT NOT NULL PRIMARY KEY,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaPipelineRuns,
		schemaDatasets,
	}
}
