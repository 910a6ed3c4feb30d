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

// PostgresCapabilityStore persists capability grants in PostgreSQL.
type PostgresCapabilityStore struct {
	db *sql.DB
}

const capabilityColumns = `id, agent_id, scope, issued_by, issued_at, expires_at, status, token_hash, revoked_at`

func (s *PostgresCapabilityStore) Insert(ctx context.Context, c *contracts.Capability) error {
	scope, err := jsonArg(map[string]any(c.Scope))
	if err != nil {
		return err
	}
	query := `
		INSERT INTO capabilities (id, agent_id, scope, issued_by, issued_at, expires_at, status, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.AgentID, scope, c.IssuedBy, c.IssuedAt, c.ExpiresAt, c.Status, c.TokenHash)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.NewError(contracts.KindConflict, "capability %s already exists", c.ID)
		}
		if isForeignKeyViolation(err) {
			return contracts.NewError(contracts.KindNotFound, "agent %s not found", c.AgentID)
		}
		return fmt.Errorf("failed to insert capability: %w", err)
	}
	return nil
}

func (s *PostgresCapabilityStore) Get(ctx context.Context, id string) (*contracts.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE id = $1`
	c, err := scanCapability(s.db.QueryRowContext(ctx, query, id))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "capability %s not found", id)
	}
	return c, err
}

func (s *PostgresCapabilityStore) GetByTokenHash(ctx context.Context, tokenHash string) (*contracts.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE token_hash = $1`
	return scanCapability(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresCapabilityStore) List(ctx context.Context, agentID string, status contracts.CapabilityStatus) ([]*contracts.Capability, error) {
	var conds []string
	var args []any
	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, string(status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + capabilityColumns + ` FROM capabilities`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY issued_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var caps []*contracts.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return caps, nil
}

func (s *PostgresCapabilityStore) Revoke(ctx context.Context, id string, at time.Time) (*contracts.Capability, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin capability revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE id = $1 FOR UPDATE`
	c, err := scanCapability(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewError(contracts.KindNotFound, "capability %s not found", id)
		}
		return nil, err
	}
	if c.Status != contracts.CapabilityActive {
		return nil, contracts.NewError(contracts.KindConflict, "capability %s already %s", id, c.Status)
	}

	c.Status = contracts.CapabilityRevoked
	c.RevokedAt = &at
	_, err = tx.ExecContext(ctx,
		`UPDATE capabilities SET status = $2, revoked_at = $3 WHERE id = $1`,
		id, c.Status, at)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke capability: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit capability revoke tx: %w", err)
	}
	return c, nil
}

func (s *PostgresCapabilityStore) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET status = $1 WHERE status = $2 AND expires_at <= $3`,
		contracts.CapabilityExpired, contracts.CapabilityActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired capabilities: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresCapabilityStore) RevokeAllForAgent(ctx context.Context, agentID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET status = $1, revoked_at = $2 WHERE agent_id = $3 AND status = $4`,
		contracts.CapabilityRevoked, at, agentID, contracts.CapabilityActive)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke agent capabilities: %w", err)
	}
	return res.RowsAffected()
}

func scanCapability(row rowScanner) (*contracts.Capability, error) {
	var c contracts.Capability
	var scope []byte
	var revokedAt sql.NullTime
	err := row.Scan(&c.ID, &c.AgentID, &scope, &c.IssuedBy, &c.IssuedAt, &c.ExpiresAt, &c.Status, &c.TokenHash, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "capability not found")
		}
		return nil, fmt.Errorf("failed to scan capability: %w", err)
	}
	var sc map[string]any
	if err := jsonField(scope, &sc); err != nil {
		return nil, err
	}
	c.Scope = contracts.Scope(sc)
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	c.IssuedAt = c.IssuedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}
