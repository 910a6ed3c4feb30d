package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// SQLite is the embedded Store used for development and tests. SQLite has no
// row locks, so admission and outcome recording serialize on in-process
// per-agent mutexes instead of SELECT ... FOR UPDATE.
type SQLite struct {
	db           *sql.DB
	agents       *SQLiteAgentStore
	events       *SQLiteEventStore
	capabilities *SQLiteCapabilityStore
	reputation   *SQLiteReputationStore
}

// NewSQLite wraps an existing database handle.
func NewSQLite(db *sql.DB) *SQLite {
	locks := &agentLocks{m: make(map[string]*sync.Mutex)}
	return &SQLite{
		db:           db,
		agents:       &SQLiteAgentStore{db: db},
		events:       &SQLiteEventStore{db: db, locks: locks},
		capabilities: &SQLiteCapabilityStore{db: db},
		reputation:   &SQLiteReputationStore{db: db, locks: locks},
	}
}

// OpenSQLite opens the database at path (":memory:" for ephemeral use) with
// foreign keys enabled. The pool is capped at a single connection: SQLite
// allows one writer at a time, and a single connection also keeps an
// in-memory database from fragmenting across pooled connections.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	return NewSQLite(db), nil
}

func (s *SQLite) Agents() AgentStore             { return s.agents }
func (s *SQLite) Events() EventStore             { return s.events }
func (s *SQLite) Capabilities() CapabilityStore  { return s.capabilities }
func (s *SQLite) Reputation() ReputationStore    { return s.reputation }
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }

func (s *SQLite) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return nil
}

// agentLocks hands out one mutex per agent ID. Entries are never evicted;
// an embedded deployment sees few agents and each entry is tiny.
type agentLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// Lock acquires the agent's mutex and returns its unlock func.
func (l *agentLocks) Lock(agentID string) func() {
	l.mu.Lock()
	am, ok := l.m[agentID]
	if !ok {
		am = &sync.Mutex{}
		l.m[agentID] = am
	}
	l.mu.Unlock()
	am.Lock()
	return am.Unlock
}

// sqliteTime renders a timestamp for TEXT storage in the canonical wire
// form, millisecond precision, always UTC.
func sqliteTime(t time.Time) string {
	return contracts.FormatTimestamp(t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(contracts.TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
