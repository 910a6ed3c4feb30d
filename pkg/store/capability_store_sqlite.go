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

// SQLiteCapabilityStore persists capability grants in SQLite.
type SQLiteCapabilityStore struct {
	db *sql.DB
}

func (s *SQLiteCapabilityStore) Insert(ctx context.Context, c *contracts.Capability) error {
	scope, err := jsonArg(map[string]any(c.Scope))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capabilities (id, agent_id, scope, issued_by, issued_at, expires_at, status, token_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, scope, c.IssuedBy, sqliteTime(c.IssuedAt), sqliteTime(c.ExpiresAt), c.Status, c.TokenHash)
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

func (s *SQLiteCapabilityStore) Get(ctx context.Context, id string) (*contracts.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE id = ?`
	c, err := scanCapabilitySQLite(s.db.QueryRowContext(ctx, query, id))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "capability %s not found", id)
	}
	return c, err
}

func (s *SQLiteCapabilityStore) GetByTokenHash(ctx context.Context, tokenHash string) (*contracts.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE token_hash = ?`
	return scanCapabilitySQLite(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *SQLiteCapabilityStore) List(ctx context.Context, agentID string, status contracts.CapabilityStatus) ([]*contracts.Capability, error) {
	var conds []string
	var args []any
	if agentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, agentID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
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
		c, err := scanCapabilitySQLite(rows)
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

func (s *SQLiteCapabilityStore) Revoke(ctx context.Context, id string, at time.Time) (*contracts.Capability, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin capability revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE id = ?`
	c, err := scanCapabilitySQLite(tx.QueryRowContext(ctx, query, id))
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
		`UPDATE capabilities SET status = ?, revoked_at = ? WHERE id = ?`,
		c.Status, sqliteTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke capability: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit capability revoke tx: %w", err)
	}
	return c, nil
}

func (s *SQLiteCapabilityStore) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET status = ? WHERE status = ? AND expires_at <= ?`,
		contracts.CapabilityExpired, contracts.CapabilityActive, sqliteTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired capabilities: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteCapabilityStore) RevokeAllForAgent(ctx context.Context, agentID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capabilities SET status = ?, revoked_at = ? WHERE agent_id = ? AND status = ?`,
		contracts.CapabilityRevoked, sqliteTime(at), agentID, contracts.CapabilityActive)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke agent capabilities: %w", err)
	}
	return res.RowsAffected()
}

func scanCapabilitySQLite(row rowScanner) (*contracts.Capability, error) {
	var c contracts.Capability
	var scope []byte
	var issuedAt, expiresAt string
	var revokedAt sql.NullString
	err := row.Scan(&c.ID, &c.AgentID, &scope, &c.IssuedBy, &issuedAt, &expiresAt, &c.Status, &c.TokenHash, &revokedAt)
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
	if c.IssuedAt, err = parseSQLiteTime(issuedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := parseSQLiteTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		c.RevokedAt = &t
	}
	return &c, nil
}
