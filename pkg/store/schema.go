package store

// PostgreSQL schema. Events are append-only: a trigger rejects UPDATE and
// DELETE outright, so even privileged SQL cannot rewrite history without
// dropping the trigger first. A second trigger creates the reputation row
// the moment an agent is registered, so every agent always has one.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id   TEXT PRIMARY KEY,
    public_key TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    owner      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'active',
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS events (
    id             BIGSERIAL PRIMARY KEY,
    agent_id       TEXT NOT NULL REFERENCES agents(agent_id),
    event_type     TEXT NOT NULL,
    timestamp      TIMESTAMPTZ NOT NULL,
    prev_hash      TEXT,
    hash           TEXT NOT NULL UNIQUE,
    payload        JSONB NOT NULL,
    signature      TEXT NOT NULL,
    correlation_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_agent_time ON events (agent_id, timestamp, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id) WHERE correlation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS capabilities (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(agent_id),
    scope      JSONB NOT NULL,
    issued_by  TEXT NOT NULL DEFAULT '',
    issued_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    token_hash TEXT NOT NULL UNIQUE,
    revoked_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities (agent_id, status);
CREATE INDEX IF NOT EXISTS idx_capabilities_expiry ON capabilities (status, expires_at);

CREATE TABLE IF NOT EXISTS outcomes (
    id           BIGSERIAL PRIMARY KEY,
    agent_id     TEXT NOT NULL REFERENCES agents(agent_id),
    event_id     BIGINT REFERENCES events(id),
    outcome_type TEXT NOT NULL,
    reporter     TEXT NOT NULL,
    impact_score DOUBLE PRECISION NOT NULL,
    details      JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON outcomes (agent_id, created_at);

CREATE TABLE IF NOT EXISTS reputation (
    agent_id         TEXT PRIMARY KEY REFERENCES agents(agent_id),
    overall_score    DOUBLE PRECISION NOT NULL DEFAULT 50,
    total_actions    BIGINT NOT NULL DEFAULT 0,
    success_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
    failure_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
    harmful_actions  BIGINT NOT NULL DEFAULT 0,
    user_corrections BIGINT NOT NULL DEFAULT 0,
    breakdown        JSONB NOT NULL DEFAULT '{}',
    last_updated     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION events_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'events are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_events_append_only ON events;
CREATE TRIGGER trg_events_append_only
    BEFORE UPDATE OR DELETE ON events
    FOR EACH ROW EXECUTE FUNCTION events_append_only();

CREATE OR REPLACE FUNCTION agents_init_reputation() RETURNS trigger AS $$
BEGIN
    INSERT INTO reputation (agent_id, last_updated)
    VALUES (NEW.agent_id, NEW.created_at)
    ON CONFLICT (agent_id) DO NOTHING;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_agents_init_reputation ON agents;
CREATE TRIGGER trg_agents_init_reputation
    AFTER INSERT ON agents
    FOR EACH ROW EXECUTE FUNCTION agents_init_reputation();
`
