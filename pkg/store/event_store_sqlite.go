package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// SQLiteEventStore persists event chains in SQLite. Admission serializes on
// a per-agent mutex instead of a row lock.
type SQLiteEventStore struct {
	db    *sql.DB
	locks *agentLocks
}

func (s *SQLiteEventStore) Admit(ctx context.Context, agentID, hash string, fn AdmitFunc) (*contracts.Event, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin admission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	agentQuery := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	agent, err := scanAgentSQLite(tx.QueryRowContext(ctx, agentQuery, agentID), agentID)
	if err != nil {
		return nil, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM events WHERE hash = ?`, hash).Scan(&existing)
	if err == nil {
		return nil, contracts.NewError(contracts.KindDuplicateEvent, "event with hash %s already recorded", hash)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check duplicate hash: %w", err)
	}

	prevQuery := `SELECT ` + eventColumns + ` FROM events WHERE agent_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`
	prev, err := scanEventSQLite(tx.QueryRowContext(ctx, prevQuery, agentID))
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
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (agent_id, event_type, timestamp, prev_hash, hash, payload, signature, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AgentID, ev.EventType, sqliteTime(ev.Timestamp), ev.PrevHash, ev.Hash, payload, ev.Signature, ev.CorrelationID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, contracts.NewError(contracts.KindDuplicateEvent, "event with hash %s already recorded", ev.Hash)
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read inserted event id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit admission tx: %w", err)
	}
	return ev, nil
}

func (s *SQLiteEventStore) Get(ctx context.Context, id int64) (*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	ev, err := scanEventSQLite(s.db.QueryRowContext(ctx, query, id))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "event %d not found", id)
	}
	return ev, err
}

func (s *SQLiteEventStore) GetByHash(ctx context.Context, hash string) (*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE hash = ?`
	ev, err := scanEventSQLite(s.db.QueryRowContext(ctx, query, hash))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewError(contracts.KindNotFound, "event with hash %s not found", hash)
	}
	return ev, err
}

func (s *SQLiteEventStore) List(ctx context.Context, f contracts.EventFilter) ([]*contracts.Event, error) {
	where, args := eventFilterSQLite(f)
	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteEventStore) Count(ctx context.Context, f contracts.EventFilter) (int64, error) {
	where, args := eventFilterSQLite(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteEventStore) Chain(ctx context.Context, agentID string) ([]*contracts.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE agent_id = ? ORDER BY timestamp ASC, id ASC`
	return s.queryEvents(ctx, query, agentID)
}

func (s *SQLiteEventStore) LastHash(ctx context.Context, agentID string) (*string, error) {
	var hash string
	query := `SELECT hash FROM events WHERE agent_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last hash: %w", err)
	}
	return &hash, nil
}

func (s *SQLiteEventStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		ev, err := scanEventSQLite(rows)
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

// Timestamps are stored in the fixed-width canonical form, so range
// comparisons work on the TEXT column directly.
func eventFilterSQLite(f contracts.EventFilter) (string, []any) {
	var conds []string
	var args []any
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, sqliteTime(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, sqliteTime(*f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEventSQLite(row rowScanner) (*contracts.Event, error) {
	var e contracts.Event
	var payload []byte
	var timestamp string
	var prevHash, correlationID sql.NullString
	err := row.Scan(&e.ID, &e.AgentID, &e.EventType, &timestamp, &prevHash, &e.Hash, &payload, &e.Signature, &correlationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "event not found")
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := jsonField(payload, &e.Payload); err != nil {
		return nil, err
	}
	if e.Timestamp, err = parseSQLiteTime(timestamp); err != nil {
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
	return &e, nil
}
