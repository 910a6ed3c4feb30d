// Package registry manages agent identities. An agent ID is the SHA-256 of
// its registered Ed25519 public key, so an identity can never be re-bound to
// a different key; revocation is terminal.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// Service is the agent registry.
type Service struct {
	agents store.AgentStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a registry over the agent store.
func NewService(agents store.AgentStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agents: agents,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register validates the public key, derives the agent id from it, and
// inserts the agent as active. The key is normalized to lowercase hex and
// the name to Unicode NFC before storage. Re-registering a key is a
// conflict.
func (s *Service) Register(ctx context.Context, publicKeyHex, name, owner string, metadata map[string]any) (*contracts.Agent, error) {
	key := strings.ToLower(strings.TrimSpace(publicKeyHex))
	if _, err := crypto.DecodePublicKey(key); err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "public_key must be 64 hex characters (32-byte Ed25519 key)")
	}
	agentID, err := crypto.AgentIDFromPublicKey(key)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "public_key must be 64 hex characters (32-byte Ed25519 key)")
	}

	agent := &contracts.Agent{
		AgentID:   agentID,
		PublicKey: key,
		Name:      norm.NFC.String(strings.TrimSpace(name)),
		Owner:     strings.TrimSpace(owner),
		Status:    contracts.AgentActive,
		Metadata:  metadata,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.agents.Insert(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "agent registered",
		"agent_id", agent.AgentID,
		"owner", agent.Owner,
	)
	return agent, nil
}

// Revoke flips an active agent to revoked, recording the reason in its
// metadata and revoking every active capability it holds. It returns the
// updated agent and the number of capabilities revoked.
func (s *Service) Revoke(ctx context.Context, agentID, reason string) (*contracts.Agent, int64, error) {
	agent, revoked, err := s.agents.Revoke(ctx, agentID, strings.TrimSpace(reason), s.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, 0, err
	}

	s.logger.InfoContext(ctx, "agent revoked",
		"agent_id", agentID,
		"capabilities_revoked", revoked,
	)
	return agent, revoked, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, agentID string) (*contracts.Agent, error) {
	return s.agents.Get(ctx, agentID)
}

// List returns agents filtered by status and owner; zero values match all.
func (s *Service) List(ctx context.Context, status contracts.AgentStatus, owner string) ([]*contracts.Agent, error) {
	if status != "" && !status.Valid() {
		return nil, contracts.NewError(contracts.KindValidation, "unknown status %q", status)
	}
	return s.agents.List(ctx, status, owner)
}
