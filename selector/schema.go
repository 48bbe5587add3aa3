package selector

// Schema contains the DDL for the selector registry tables.
const Schema = `
-- Selector definitions: the versioned catalog of semantic selectors.
-- strategies / validation / expected_tags / metadata are JSON.
CREATE TABLE IF NOT EXISTS selectors (
    name           TEXT PRIMARY KEY,
    scope          TEXT NOT NULL DEFAULT '',
    threshold      REAL NOT NULL DEFAULT 0.8,
    strategies     TEXT NOT NULL,
    validation     TEXT NOT NULL DEFAULT '[]',
    expected_tags  TEXT NOT NULL DEFAULT '[]',
    metadata       TEXT NOT NULL DEFAULT '{}',
    version        INTEGER NOT NULL DEFAULT 1,
    schema_version INTEGER NOT NULL DEFAULT 1,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selectors_scope ON selectors(scope);

-- Strategy-list history: prior orderings kept for audit and rollback.
CREATE TABLE IF NOT EXISTS selector_history (
    id         TEXT PRIMARY KEY,
    selector   TEXT NOT NULL,
    version    INTEGER NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    note       TEXT NOT NULL DEFAULT '',
    strategies TEXT NOT NULL,
    changed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selector_history ON selector_history(selector, changed_at DESC);
`
