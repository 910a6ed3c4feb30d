// Package store persists agents, events, capabilities, and reputation in
// PostgreSQL or SQLite behind a common set of interfaces. Both dialects
// enforce the same invariants: events are append-only at the schema level,
// hashes are unique, and admission runs inside one transaction holding the
// agent's chain head stable.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// AdmitFunc runs inside the admission transaction with the agent's chain
// head pinned. It receives the locked agent row and the current last event
// (nil for an empty chain) and returns the event to insert, or an error to
// abort the transaction.
type AdmitFunc func(agent *contracts.Agent, prev *contracts.Event) (*contracts.Event, error)

// AgentStore persists agent identities.
type AgentStore interface {
	Insert(ctx context.Context, agent *contracts.Agent) error
	Get(ctx context.Context, agentID string) (*contracts.Agent, error)
	List(ctx context.Context, status contracts.AgentStatus, owner string) ([]*contracts.Agent, error)
	// Revoke flips an active agent to revoked, merges the reason into its
	// metadata, and revokes all of its active capabilities in the same
	// transaction. It returns the updated agent and the number of
	// capabilities revoked.
	Revoke(ctx context.Context, agentID, reason string, at time.Time) (*contracts.Agent, int64, error)
}

// EventStore persists the hash-linked event chains.
type EventStore interface {
	// Admit inserts one event under the agent's admission lock. The hash is
	// the client-submitted event hash, checked for duplicates before fn
	// runs so replays surface as DUPLICATE_EVENT rather than a chain error.
	Admit(ctx context.Context, agentID, hash string, fn AdmitFunc) (*contracts.Event, error)
	Get(ctx context.Context, id int64) (*contracts.Event, error)
	GetByHash(ctx context.Context, hash string) (*contracts.Event, error)
	List(ctx context.Context, f contracts.EventFilter) ([]*contracts.Event, error)
	Count(ctx context.Context, f contracts.EventFilter) (int64, error)
	// Chain returns every event for the agent in chain order
	// (timestamp, then insertion id).
	Chain(ctx context.Context, agentID string) ([]*contracts.Event, error)
	// LastHash returns the hash of the agent's newest event, or nil for an
	// empty chain.
	LastHash(ctx context.Context, agentID string) (*string, error)
}

// CapabilityStore persists capability grants.
type CapabilityStore interface {
	Insert(ctx context.Context, c *contracts.Capability) error
	Get(ctx context.Context, id string) (*contracts.Capability, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*contracts.Capability, error)
	List(ctx context.Context, agentID string, status contracts.CapabilityStatus) ([]*contracts.Capability, error)
	Revoke(ctx context.Context, id string, at time.Time) (*contracts.Capability, error)
	// ExpireSweep marks every active capability whose expiry has passed
	// (inclusive) as expired and returns the number swept.
	ExpireSweep(ctx context.Context, now time.Time) (int64, error)
	RevokeAllForAgent(ctx context.Context, agentID string, at time.Time) (int64, error)
}

// ReputationStore persists outcomes and per-agent reputation aggregates.
type ReputationStore interface {
	Get(ctx context.Context, agentID string) (*contracts.Reputation, error)
	List(ctx context.Context) ([]*contracts.Reputation, error)
	// RecordOutcome appends the outcome and applies the engine-computed
	// aggregate update to the reputation row, atomically. The row is locked
	// before apply runs, so concurrent outcomes for one agent serialize.
	RecordOutcome(ctx context.Context, o *contracts.Outcome, apply func(rep *contracts.Reputation)) (*contracts.Reputation, error)
	UpdateDomainScore(ctx context.Context, agentID, domain string, score float64, at time.Time) (*contracts.Reputation, error)
}

// Store bundles all persistence surfaces behind one handle.
type Store interface {
	Agents() AgentStore
	Events() EventStore
	Capabilities() CapabilityStore
	Reputation() ReputationStore
	// Init creates tables, indexes, and triggers. Idempotent.
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes the underlying connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultOptions matches the documented pool defaults.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open dispatches on the DSN: "sqlite:<path>" opens an embedded SQLite
// database, anything else is treated as a PostgreSQL connection string.
func Open(databaseURL string, opts Options) (Store, error) {
	if path, ok := strings.CutPrefix(databaseURL, "sqlite:"); ok {
		return OpenSQLite(path, opts)
	}
	return OpenPostgres(databaseURL, opts)
}
