package repository

// Schema definitions for the sarflow database.
// Compatible with both SQLite and PostgreSQL.

// schemaCases stores each case as a JSON document. The columns next to it
// exist for listing and filtering only.
const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    risk_score REAL NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);
`

// schemaAuditEvents is append-only. Rows are never updated or deleted.
const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    case_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (case_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaAuditEvents,
	}
}
