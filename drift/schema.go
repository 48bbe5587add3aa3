package drift

// Schema is the drift report DDL, applied via storage.WithSchema.
const Schema = `
-- drift_reports: immutable trend assessments, one row per analysis.
CREATE TABLE IF NOT EXISTS drift_reports (
	id             TEXT PRIMARY KEY,
	selector       TEXT NOT NULL,
	window_size    INTEGER NOT NULL,
	score          REAL NOT NULL,
	trend          TEXT NOT NULL,
	manual_review  INTEGER NOT NULL DEFAULT 0,
	strategies     TEXT,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drift_selector
	ON drift_reports(selector, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_drift_age
	ON drift_reports(created_at);
`
