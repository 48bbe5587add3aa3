package reliability

// Schema is the reliability tracker DDL, applied via storage.WithSchema.
const Schema = `
-- Per (selector, strategy) aggregate state. The tracker is the sole writer;
-- total == success + failure holds after every committed update.
CREATE TABLE IF NOT EXISTS reliability_records (
	selector          TEXT NOT NULL,
	strategy          TEXT NOT NULL,
	total             INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 0,
	failure           INTEGER NOT NULL DEFAULT 0,
	ewma              REAL NOT NULL DEFAULT 0.5,
	avg_confidence    REAL NOT NULL DEFAULT 0,
	avg_latency_ms    REAL NOT NULL DEFAULT 0,
	success_streak    INTEGER NOT NULL DEFAULT 0,
	failure_streak    INTEGER NOT NULL DEFAULT 0,
	last_success_at   INTEGER NOT NULL DEFAULT 0,
	last_failure_at   INTEGER NOT NULL DEFAULT 0,
	last_success_path TEXT NOT NULL DEFAULT '',
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (selector, strategy)
);

-- Append-only attempt log backing the evolution window and drift trends.
-- Pruned by age, not by count.
CREATE TABLE IF NOT EXISTS reliability_attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	selector   TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	success    INTEGER NOT NULL,
	confidence REAL NOT NULL,
	latency_ms REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reliability_attempts_lookup
	ON reliability_attempts(selector, strategy, id DESC);
CREATE INDEX IF NOT EXISTS idx_reliability_attempts_age
	ON reliability_attempts(created_at);
`
