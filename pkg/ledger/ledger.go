// Package ledger admits events into per-agent hash-linked chains and
// verifies them. Every event carries the SHA-256 of its RFC 8785 canonical
// pre-image and an Ed25519 signature over the same bytes; admission
// re-derives both under the agent's registered key before anything is
// persisted, and the chain link is checked against the head while the
// agent's admission lock is held.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/wrentheai/trust-infra/pkg/canonical"
	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// Service is the event ledger: admission, queries, and chain verification.
type Service struct {
	events store.EventStore
	agents store.AgentStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a ledger over the given stores.
func NewService(events store.EventStore, agents store.AgentStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		events: events,
		agents: agents,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Append runs the admission pipeline for one signed event. The expensive
// checks run inside the store's admission transaction, so the chain head
// cannot move between the prev_hash comparison and the insert, and a replayed
// hash is rejected before any of them run.
func (s *Service) Append(ctx context.Context, req *contracts.AppendRequest) (*contracts.Event, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}
	ts, err := s.resolveTimestamp(req.Timestamp)
	if err != nil {
		return nil, err
	}

	event, err := s.events.Admit(ctx, req.AgentID, req.Hash, func(agent *contracts.Agent, prev *contracts.Event) (*contracts.Event, error) {
		if !agent.Active() {
			return nil, contracts.NewError(contracts.KindForbidden, "agent %s is revoked", agent.AgentID)
		}

		// The pre-image uses the client's own prev_hash and timestamp:
		// the hash and signature checks must run over the exact bytes the
		// client canonicalized, and only then is the claimed link compared
		// against the real head.
		preimage := canonical.EventPreimage(req.AgentID, req.EventType, contracts.FormatTimestamp(ts), req.PrevHash, req.Payload, req.CorrelationID)
		data, err := canonical.Marshal(preimage)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindInternal, err, "failed to canonicalize event")
		}

		if computed := canonical.HashBytes(data); computed != req.Hash {
			return nil, contracts.NewError(contracts.KindHashMismatch, "hash mismatch: submitted %s, computed %s", req.Hash, computed)
		}

		ok, verr := crypto.Verify(agent.PublicKey, req.Signature, data)
		if verr != nil {
			return nil, contracts.WrapError(contracts.KindSignatureInvalid, verr, "signature verification failed")
		}
		if !ok {
			return nil, contracts.NewError(contracts.KindSignatureInvalid, "signature does not verify under agent key")
		}

		var head *string
		if prev != nil {
			head = &prev.Hash
		}
		if !hashPtrEqual(req.PrevHash, head) {
			return nil, contracts.NewError(contracts.KindChainBroken, "chain broken: submitted prev_hash %s, current head %s", hashPtrString(req.PrevHash), hashPtrString(head))
		}

		return &contracts.Event{
			AgentID:       req.AgentID,
			EventType:     req.EventType,
			Timestamp:     ts,
			PrevHash:      req.PrevHash,
			Hash:          req.Hash,
			Payload:       req.Payload,
			Signature:     req.Signature,
			CorrelationID: req.CorrelationID,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "event admitted",
		"agent_id", event.AgentID,
		"event_id", event.ID,
		"event_type", event.EventType,
		"hash", event.Hash,
	)
	return event, nil
}

// resolveTimestamp parses the submitted timestamp and enforces the canonical
// millisecond rendering, so the stored event recanonicalizes to the exact
// bytes the client hashed. An omitted timestamp gets the server clock.
func (s *Service) resolveTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return s.now().UTC().Truncate(time.Millisecond), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, contracts.NewError(contracts.KindValidation, "invalid timestamp %q", raw)
	}
	if canon := contracts.FormatTimestamp(t); canon != raw {
		return time.Time{}, contracts.NewError(contracts.KindValidation, "timestamp must be canonical UTC millisecond form, expected %s", canon)
	}
	return t.UTC(), nil
}

func validateAppend(req *contracts.AppendRequest) error {
	switch {
	case req == nil:
		return contracts.NewError(contracts.KindValidation, "request body is required")
	case !isLowerHex(req.AgentID, 64):
		return contracts.NewError(contracts.KindValidation, "agent_id must be 64 lowercase hex characters")
	case !req.EventType.Valid():
		return contracts.NewError(contracts.KindValidation, "unknown event_type %q", req.EventType)
	case req.Payload == nil:
		return contracts.NewError(contracts.KindValidation, "payload is required")
	case !isLowerHex(req.Hash, 64):
		return contracts.NewError(contracts.KindValidation, "hash must be 64 lowercase hex characters")
	case !isLowerHex(req.Signature, 128):
		return contracts.NewError(contracts.KindValidation, "signature must be 128 lowercase hex characters")
	case req.PrevHash != nil && !isLowerHex(*req.PrevHash, 64):
		return contracts.NewError(contracts.KindValidation, "prev_hash must be null or 64 lowercase hex characters")
	case req.CorrelationID != nil && *req.CorrelationID == "":
		return contracts.NewError(contracts.KindValidation, "correlation_id must not be empty")
	}
	return nil
}

// Get returns one event by storage id.
func (s *Service) Get(ctx context.Context, id int64) (*contracts.Event, error) {
	return s.events.Get(ctx, id)
}

// GetByHash returns one event by its chain hash.
func (s *Service) GetByHash(ctx context.Context, hash string) (*contracts.Event, error) {
	return s.events.GetByHash(ctx, hash)
}

// List returns events matching the filter, newest first, together with the
// total matching count ignoring limit and offset.
func (s *Service) List(ctx context.Context, f contracts.EventFilter) ([]*contracts.Event, int64, error) {
	events, err := s.events.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.events.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// LastHash returns the agent's chain head hash. It is nil for an empty chain
// and for unknown agents, so a client can always fetch its starting link
// before the first append.
func (s *Service) LastHash(ctx context.Context, agentID string) (*string, error) {
	return s.events.LastHash(ctx, agentID)
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func hashPtrString(h *string) string {
	if h == nil {
		return "null"
	}
	return *h
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
