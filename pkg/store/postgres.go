package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres is the production Store backed by PostgreSQL.
type Postgres struct {
	db           *sql.DB
	agents       *PostgresAgentStore
	events       *PostgresEventStore
	capabilities *PostgresCapabilityStore
	reputation   *PostgresReputationStore
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:           db,
		agents:       &PostgresAgentStore{db: db},
		events:       &PostgresEventStore{db: db},
		capabilities: &PostgresCapabilityStore{db: db},
		reputation:   &PostgresReputationStore{db: db},
	}
}

// OpenPostgres opens a pooled connection with the given tuning applied.
func OpenPostgres(dsn string, opts Options) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	applyOptions(db, opts)
	return NewPostgres(db), nil
}

func applyOptions(db *sql.DB, opts Options) {
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
}

func (p *Postgres) Agents() AgentStore             { return p.agents }
func (p *Postgres) Events() EventStore             { return p.events }
func (p *Postgres) Capabilities() CapabilityStore  { return p.capabilities }
func (p *Postgres) Reputation() ReputationStore    { return p.reputation }
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows so the per-table
// scan helpers work for single- and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

// jsonArg renders a map for a JSON column, mapping nil to SQL NULL.
func jsonArg(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}

// jsonField decodes a JSON column into dst. NULL leaves dst untouched.
func jsonField(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
