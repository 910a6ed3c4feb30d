package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// SQLiteReputationStore persists outcomes and reputation aggregates in
// SQLite. Outcome recording serializes on the same per-agent mutexes as
// event admission.
type SQLiteReputationStore struct {
	db    *sql.DB
	locks *agentLocks
}

func (s *SQLiteReputationStore) Get(ctx context.Context, agentID string) (*contracts.Reputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = ?`
	return scanReputationSQLite(s.db.QueryRowContext(ctx, query, agentID), agentID)
}

func (s *SQLiteReputationStore) List(ctx context.Context) ([]*contracts.Reputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM reputation ORDER BY overall_score DESC, agent_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reputation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reps []*contracts.Reputation
	for rows.Next() {
		r, err := scanReputationSQLite(rows, "")
		if err != nil {
			return nil, err
		}
		reps = append(reps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reps, nil
}

func (s *SQLiteReputationStore) RecordOutcome(ctx context.Context, o *contracts.Outcome, apply func(rep *contracts.Reputation)) (*contracts.Reputation, error) {
	unlock := s.locks.Lock(o.AgentID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = ?`
	rep, err := scanReputationSQLite(tx.QueryRowContext(ctx, query, o.AgentID), o.AgentID)
	if err != nil {
		return nil, err
	}

	details, err := jsonArg(o.Details)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outcomes (agent_id, event_id, outcome_type, reporter, impact_score, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.AgentID, o.EventID, o.OutcomeType, o.Reporter, o.ImpactScore, details, sqliteTime(o.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, contracts.NewError(contracts.KindValidation, "outcome references unknown event")
		}
		return nil, fmt.Errorf("failed to insert outcome: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read inserted outcome id: %w", err)
	}

	apply(rep)

	breakdown, err := json.Marshal(rep.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE reputation
		SET overall_score = ?, total_actions = ?, success_rate = ?, failure_rate = ?,
		    harmful_actions = ?, user_corrections = ?, breakdown = ?, last_updated = ?
		WHERE agent_id = ?`,
		rep.OverallScore, rep.TotalActions, rep.SuccessRate, rep.FailureRate,
		rep.HarmfulActions, rep.UserCorrections, breakdown, sqliteTime(rep.LastUpdated), rep.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update reputation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outcome tx: %w", err)
	}
	return rep, nil
}

func (s *SQLiteReputationStore) UpdateDomainScore(ctx context.Context, agentID, domain string, score float64, at time.Time) (*contracts.Reputation, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin domain score tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = ?`
	rep, err := scanReputationSQLite(tx.QueryRowContext(ctx, query, agentID), agentID)
	if err != nil {
		return nil, err
	}

	if rep.Breakdown == nil {
		rep.Breakdown = make(map[string]float64)
	}
	rep.Breakdown[domain] = score
	rep.LastUpdated = at

	breakdown, err := json.Marshal(rep.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE reputation SET breakdown = ?, last_updated = ? WHERE agent_id = ?`,
		breakdown, sqliteTime(at), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update domain score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit domain score tx: %w", err)
	}
	return rep, nil
}

func scanReputationSQLite(row rowScanner, agentID string) (*contracts.Reputation, error) {
	var r contracts.Reputation
	var breakdown []byte
	var lastUpdated string
	err := row.Scan(&r.AgentID, &r.OverallScore, &r.TotalActions, &r.SuccessRate, &r.FailureRate,
		&r.HarmfulActions, &r.UserCorrections, &breakdown, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "reputation for agent %s not found", agentID)
		}
		return nil, fmt.Errorf("failed to scan reputation: %w", err)
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &r.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown: %w", err)
		}
	}
	if r.Breakdown == nil {
		r.Breakdown = make(map[string]float64)
	}
	if r.LastUpdated, err = parseSQLiteTime(lastUpdated); err != nil {
		return nil, err
	}
	return &r, nil
}
