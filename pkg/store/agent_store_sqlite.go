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

// SQLiteAgentStore persists agents in SQLite. Unlike the PostgreSQL store,
// the reputation row is created here rather than by trigger, inside the
// same transaction as the agent insert.
type SQLiteAgentStore struct {
	db *sql.DB
}

func (s *SQLiteAgentStore) Insert(ctx context.Context, agent *contracts.Agent) error {
	metadata, err := jsonArg(agent.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin register tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (agent_id, public_key, name, owner, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.PublicKey, agent.Name, agent.Owner, agent.Status, metadata, sqliteTime(agent.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.NewError(contracts.KindConflict, "agent %s already registered", agent.AgentID)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, last_updated)
		VALUES (?, ?)`,
		agent.AgentID, sqliteTime(agent.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reputation row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit register tx: %w", err)
	}
	return nil
}

func (s *SQLiteAgentStore) Get(ctx context.Context, agentID string) (*contracts.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	return scanAgentSQLite(s.db.QueryRowContext(ctx, query, agentID), agentID)
}

func (s *SQLiteAgentStore) List(ctx context.Context, status contracts.AgentStatus, owner string) ([]*contracts.Agent, error) {
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	if owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, owner)
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
		a, err := scanAgentSQLite(rows, "")
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

func (s *SQLiteAgentStore) Revoke(ctx context.Context, agentID, reason string, at time.Time) (*contracts.Agent, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	agent, err := scanAgentSQLite(tx.QueryRowContext(ctx, query, agentID), agentID)
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
		`UPDATE agents SET status = ?, revoked_at = ?, metadata = ? WHERE agent_id = ?`,
		agent.Status, sqliteTime(at), metadata, agentID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to revoke agent: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE capabilities SET status = ?, revoked_at = ? WHERE agent_id = ? AND status = ?`,
		contracts.CapabilityRevoked, sqliteTime(at), agentID, contracts.CapabilityActive)
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

func scanAgentSQLite(row rowScanner, agentID string) (*contracts.Agent, error) {
	var a contracts.Agent
	var metadata []byte
	var createdAt string
	var revokedAt sql.NullString
	err := row.Scan(&a.AgentID, &a.PublicKey, &a.Name, &a.Owner, &a.Status, &metadata, &createdAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "agent %s not found", agentID)
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if err := jsonField(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := parseSQLiteTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		a.RevokedAt = &t
	}
	return &a, nil
}
