package store

// SQLite schema. Mirrors the PostgreSQL layout with TEXT timestamps in the
// canonical wire form, which is fixed-width and UTC so lexicographic order
// equals chronological order. Reputation rows are created application-side
// inside the registration transaction instead of by trigger.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id   TEXT PRIMARY KEY,
    public_key TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    owner      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'active',
    metadata   TEXT,
    created_at TEXT NOT NULL,
    revoked_at TEXT
);

CREATE TABLE IF NOT EXISTS events (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id       TEXT NOT NULL REFERENCES agents(agent_id),
    event_type     TEXT NOT NULL,
    timestamp      TEXT NOT NULL,
    prev_hash      TEXT,
    hash           TEXT NOT NULL UNIQUE,
    payload        TEXT NOT NULL,
    signature      TEXT NOT NULL,
    correlation_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_agent_time ON events (agent_id, timestamp, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id);

CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TABLE IF NOT EXISTS capabilities (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(agent_id),
    scope      TEXT NOT NULL,
    issued_by  TEXT NOT NULL DEFAULT '',
    issued_at  TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    token_hash TEXT NOT NULL UNIQUE,
    revoked_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities (agent_id, status);
CREATE INDEX IF NOT EXISTS idx_capabilities_expiry ON capabilities (status, expires_at);

CREATE TABLE IF NOT EXISTS outcomes (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id     TEXT NOT NULL REFERENCES agents(agent_id),
    event_id     INTEGER REFERENCES events(id),
    outcome_type TEXT NOT NULL,
    reporter     TEXT NOT NULL,
    impact_score REAL NOT NULL,
    details      TEXT,
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON outcomes (agent_id, created_at);

CREATE TABLE IF NOT EXISTS reputation (
    agent_id         TEXT PRIMARY KEY REFERENCES agents(agent_id),
    overall_score    REAL NOT NULL DEFAULT 50,
    total_actions    INTEGER NOT NULL DEFAULT 0,
    success_rate     REAL NOT NULL DEFAULT 0,
    failure_rate     REAL NOT NULL DEFAULT 0,
    harmful_actions  INTEGER NOT NULL DEFAULT 0,
    user_corrections INTEGER NOT NULL DEFAULT 0,
    breakdown        TEXT NOT NULL DEFAULT '{}',
    last_updated     TEXT NOT NULL
);
`
