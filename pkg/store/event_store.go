package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// PostgresEventStore persists event chains in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

const eventColumns = `id, agent_id, event_type, timestamp, prev_hash, hash, payload, signature, correlation_id`

// Admit runs the admission transaction: lock the agent row so the chain
// head cannot move, reject known hashes, hand the head to fn for
// verification, and insert whatever fn returns. The UNIQUE constraint on
// hash backstops the duplicate pre-check under concurrency.
func (s *PostgresEventStore) Admit(ctx context.Context, agentID, hash string, fn AdmitFunc) (*contracts.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin admission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	agentQuery := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1 FOR UPDATE`
	agent, err := scanAgent(tx.QueryRowContext(ctx, agentQuery, agentID), agentID)
	if err != nil {
		return nil, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM events WHERE hash = $1`, hash).Scan(&existing)
	if err == nil {
		return nil, contracts.NewError(contracts.KindDuplicateEvent, "event with hash %s already recorded", hash)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check duplicate hash: %w", err)
	}

	prevQuery := `SELECT ` + eventColumns + ` FROM events WHERE agent_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`
	prev, err := scanEvent(tx.QueryRowContext(ctx, prevQuery, agentID))
	if err != nil && !contracts.IsKind(err, contracts.KindNotFound) {
		return nil, err
	}

	ev, err := fn(agent, prev)
	if err != nil {
		return nil, err
	}

	payload, err := jsonArg(ev.Payload)
	if err != nil {
		return nil, err
	}
	insert := `
		INSERT INTO events (agent_id, event_type, timestamp, prev_hash, hash, payload, signature, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, insert,
		ev.AgentID, ev.EventType, ev.Timestamp, ev.PrevHash, ev.Hash, payload, ev.Signature, ev.CorrelationID,
	).Scan(&ev.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, contracts.NewError(contracts.KindDuplicateEvent, "event with hash %s already recorded", ev.Hash)
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit admission tx: %w", err)
	}
	return ev, nil
}

func (s *PostgresEventStore) Get(ctx context.Context, id int64) (*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "event %d not found", id)
	}
	return ev, err
}

func (s *PostgresEventStore) GetByHash(ctx context.Context, hash string) (*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE hash = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, hash))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "event with hash %s not found", hash)
	}
	return ev, err
}

func (s *PostgresEventStore) List(ctx context.Context, f contracts.EventFilter) ([]*contracts.Event, error) {
	where, args := eventFilterPG(f)
	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresEventStore) Count(ctx context.Context, f contracts.EventFilter) (int64, error) {
	where, args := eventFilterPG(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *PostgresEventStore) Chain(ctx context.Context, agentID string) ([]*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE agent_id = $1 ORDER BY timestamp ASC, id ASC`
	return s.queryEvents(ctx, query, agentID)
}

func (s *PostgresEventStore) LastHash(ctx context.Context, agentID string) (*string, error) {
	var hash string
	query := `SELECT hash FROM events WHERE agent_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last hash: %w", err)
	}
	return &hash, nil
}

func (s *PostgresEventStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func eventFilterPG(f contracts.EventFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.Since != nil {
		add("timestamp >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("timestamp <= $%d", *f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(row rowScanner) (*contracts.Event, error) {
	var e contracts.Event
	var payload []byte
	var prevHash, correlationID sql.NullString
	err := row.Scan(&e.ID, &e.AgentID, &e.EventType, &e.Timestamp, &prevHash, &e.Hash, &payload, &e.Signature, &correlationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "event not found")
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := jsonField(payload, &e.Payload); err != nil {
		return nil, err
	}
	if prevHash.Valid {
		h := prevHash.String
		e.PrevHash = &h
	}
	if correlationID.Valid {
		c := correlationID.String
		e.CorrelationID = &c
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
