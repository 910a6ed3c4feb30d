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

// PostgresReputationStore persists outcomes and reputation aggregates in
// PostgreSQL.
type PostgresReputationStore struct {
	db *sql.DB
}

const reputationColumns = `agent_id, overall_score, total_actions, success_rate, failure_rate, harmful_actions, user_corrections, breakdown, last_updated`

func (s *PostgresReputationStore) Get(ctx context.Context, agentID string) (*contracts.Reputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = $1`
	return scanReputation(s.db.QueryRowContext(ctx, query, agentID), agentID)
}

func (s *PostgresReputationStore) List(ctx context.Context) ([]*contracts.Reputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM reputation ORDER BY overall_score DESC, agent_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reputation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reps []*contracts.Reputation
	for rows.Next() {
		r, err := scanReputation(rows, "")
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

func (s *PostgresReputationStore) RecordOutcome(ctx context.Context, o *contracts.Outcome, apply func(rep *contracts.Reputation)) (*contracts.Reputation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = $1 FOR UPDATE`
	rep, err := scanReputation(tx.QueryRowContext(ctx, query, o.AgentID), o.AgentID)
	if err != nil {
		return nil, err
	}

	details, err := jsonArg(o.Details)
	if err != nil {
		return nil, err
	}
	insert := `
		INSERT INTO outcomes (agent_id, event_id, outcome_type, reporter, impact_score, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, insert,
		o.AgentID, o.EventID, o.OutcomeType, o.Reporter, o.ImpactScore, details, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, contracts.NewError(contracts.KindValidation, "outcome references unknown event")
		}
		return nil, fmt.Errorf("failed to insert outcome: %w", err)
	}

	apply(rep)

	breakdown, err := json.Marshal(rep.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}
	update := `
		UPDATE reputation
		SET overall_score = $2, total_actions = $3, success_rate = $4, failure_rate = $5,
		    harmful_actions = $6, user_corrections = $7, breakdown = $8, last_updated = $9
		WHERE agent_id = $1
	`
	_, err = tx.ExecContext(ctx, update,
		rep.AgentID, rep.OverallScore, rep.TotalActions, rep.SuccessRate, rep.FailureRate,
		rep.HarmfulActions, rep.UserCorrections, breakdown, rep.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to update reputation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outcome tx: %w", err)
	}
	return rep, nil
}

func (s *PostgresReputationStore) UpdateDomainScore(ctx context.Context, agentID, domain string, score float64, at time.Time) (*contracts.Reputation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin domain score tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + reputationColumns + ` FROM reputation WHERE agent_id = $1 FOR UPDATE`
	rep, err := scanReputation(tx.QueryRowContext(ctx, query, agentID), agentID)
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
		`UPDATE reputation SET breakdown = $2, last_updated = $3 WHERE agent_id = $1`,
		agentID, breakdown, at)
	if err != nil {
		return nil, fmt.Errorf("failed to update domain score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit domain score tx: %w", err)
	}
	return rep, nil
}

func scanReputation(row rowScanner, agentID string) (*contracts.Reputation, error) {
	var r contracts.Reputation
	var breakdown []byte
	err := row.Scan(&r.AgentID, &r.OverallScore, &r.TotalActions, &r.SuccessRate, &r.FailureRate,
		&r.HarmfulActions, &r.UserCorrections, &breakdown, &r.LastUpdated)
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
	r.LastUpdated = r.LastUpdated.UTC()
	return &r, nil
}
