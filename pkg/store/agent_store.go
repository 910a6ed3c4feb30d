package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// PostgresAgentStore persists agents in PostgreSQL.
type PostgresAgentStore struct {
	db *sql.DB
}

const agentColumns = `agent_id, public_key, name, owner, status, metadata, created_at, revoked_at`

func (s *PostgresAgentStore) Insert(ctx context.Context, agent *contracts.Agent) error {
	metadata, err := jsonArg(agent.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agents (agent_id, public_key, name, owner, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.AgentID, agent.PublicKey, agent.Name, agent.Owner, agent.Status, metadata, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.NewError(contracts.KindConflict, "agent %s already registered", agent.AgentID)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *PostgresAgentStore) Get(ctx context.Context, agentID string) (*contracts.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	return scanAgent(s.db.QueryRowContext(ctx, query, agentID), agentID)
}

func (s *PostgresAgentStore) List(ctx context.Context, status contracts.AgentStatus, owner string) ([]*contracts.Agent, error) {
	var conds []string
	var args []any
	if status != "" {
		args = append(args, string(status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if owner != "" {
		args = append(args, owner)
		conds = append(conds, fmt.Sprintf("owner = $%d", len(args)))
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*contracts.Agent
	for rows.Next() {
		a, err := scanAgent(rows, "")
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *PostgresAgentStore) Revoke(ctx context.Context, agentID, reason string, at time.Time) (*contracts.Agent, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1 FOR UPDATE`
	agent, err := scanAgent(tx.QueryRowContext(ctx, query, agentID), agentID)
	if err != nil {
		return nil, 0, err
	}
	if agent.Status != contracts.AgentActive {
		return nil, 0, contracts.NewError(contracts.KindConflict, "agent %s already revoked", agentID)
	}

	agent.Status = contracts.AgentRevoked
	agent.RevokedAt = &at
	if reason != "" {
		if agent.Metadata == nil {
			agent.Metadata = make(map[string]any)
		}
		agent.Metadata["revocation_reason"] = reason
	}
	metadata, err := jsonArg(agent.Metadata)
	if err != nil {
		return nil, 0, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET status = $2, revoked_at = $3, metadata = $4 WHERE agent_id = $1`,
		agentID, agent.Status, at, metadata)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to revoke agent: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE capabilities SET status = $2, revoked_at = $3 WHERE agent_id = $1 AND status = $4`,
		agentID, contracts.CapabilityRevoked, at, contracts.CapabilityActive)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to revoke agent capabilities: %w", err)
	}
	revoked, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit revoke tx: %w", err)
	}
	return agent, revoked, nil
}

// scanAgent reads one agent row. agentID is used only for the NOT_FOUND
// message and may be empty in multi-row scans, where no-rows cannot happen.
func scanAgent(row rowScanner, agentID string) (*contracts.Agent, error) {
	var a contracts.Agent
	var metadata []byte
	var revokedAt sql.NullTime
	err := row.Scan(&a.AgentID, &a.PublicKey, &a.Name, &a.Owner, &a.Status, &metadata, &a.CreatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "agent %s not found", agentID)
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if err := jsonField(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		a.RevokedAt = &t
	}
	return &a, nil
}
