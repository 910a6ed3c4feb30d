// Package capability mints, validates, and checks scoped bearer-token
// grants. The plaintext token leaves the service exactly once, in the mint
// response; only its SHA-256 is stored, so a leaked database cannot be
// replayed as authority.
package capability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// Engine is the capability token engine.
type Engine struct {
	capabilities store.CapabilityStore
	agents       store.AgentStore
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine builds an engine over the capability and agent stores.
func NewEngine(capabilities store.CapabilityStore, agents store.AgentStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		capabilities: capabilities,
		agents:       agents,
		logger:       logger.With("component", "capability"),
		now:          time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// MintResult carries the one-time plaintext token next to the stored record.
type MintResult struct {
	Capability *contracts.Capability `json:"capability"`
	Token      string                `json:"token"`
}

// Mint issues a scoped, time-limited capability for an active agent. The
// token is 32 random bytes as hex; its SHA-256 is what gets stored.
func (e *Engine) Mint(ctx context.Context, agentID string, scope contracts.Scope, issuedBy string, expiresAt time.Time) (*MintResult, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(issuedBy) == "" {
		return nil, contracts.NewError(contracts.KindValidation, "issued_by is required")
	}

	agent, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active() {
		return nil, contracts.NewError(contracts.KindForbidden, "agent %s is revoked", agentID)
	}

	issuedAt := e.now().UTC().Truncate(time.Millisecond)
	expiresAt = expiresAt.UTC().Truncate(time.Millisecond)
	if !expiresAt.After(issuedAt) {
		return nil, contracts.NewError(contracts.KindValidation, "expires_at must be after issued_at")
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, err, "failed to generate token")
	}
	token := hex.EncodeToString(raw[:])

	capability := &contracts.Capability{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Scope:     scope,
		IssuedBy:  strings.TrimSpace(issuedBy),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Status:    contracts.CapabilityActive,
		TokenHash: crypto.SHA256Hex([]byte(token)),
	}
	if err := e.capabilities.Insert(ctx, capability); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "capability minted",
		"capability_id", capability.ID,
		"agent_id", agentID,
		"issued_by", capability.IssuedBy,
		"expires_at", expiresAt,
	)
	return &MintResult{Capability: capability, Token: token}, nil
}

// ValidationResult is the verdict on a presented token. An invalid token is
// a result, not an error; the record is only returned for valid tokens.
type ValidationResult struct {
	Valid      bool                  `json:"valid"`
	Capability *contracts.Capability `json:"capability,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// Validate resolves a presented bearer token. Expiry is checked against the
// clock regardless of stored status, so a not-yet-swept stale grant is still
// rejected.
func (e *Engine) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	capability, err := e.capabilities.GetByTokenHash(ctx, crypto.SHA256Hex([]byte(token)))
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return &ValidationResult{Reason: "capability not found"}, nil
		}
		return nil, err
	}
	if capability.Status == contracts.CapabilityRevoked {
		return &ValidationResult{Reason: "capability revoked"}, nil
	}
	if capability.ExpiredAt(e.now()) || capability.Status == contracts.CapabilityExpired {
		return &ValidationResult{Reason: "capability expired"}, nil
	}
	return &ValidationResult{Valid: true, Capability: capability}, nil
}

// Decision is a permission-check verdict. Scope carries the matched grant
// value (true or the constraint object), never the capability identity.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Scope   any    `json:"scope,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// CheckPermission reports whether any live capability of the agent grants
// the action, directly or through its namespace wildcard.
func (e *Engine) CheckPermission(ctx context.Context, agentID, action string) (*Decision, error) {
	ns, verb, ok := strings.Cut(action, ":")
	if !ok || ns == "" || verb == "" {
		return nil, contracts.NewError(contracts.KindValidation, "action %q must be namespace:verb", action)
	}

	capabilities, err := e.capabilities.List(ctx, agentID, contracts.CapabilityActive)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, c := range capabilities {
		if c.ExpiredAt(now) {
			continue
		}
		if grant, ok := c.Scope.Grant(action); ok {
			return &Decision{Allowed: true, Scope: grant}, nil
		}
	}
	return &Decision{Reason: fmt.Sprintf("no active capability grants %s", action)}, nil
}

// Revoke flips an active capability to revoked; anything else is a conflict.
func (e *Engine) Revoke(ctx context.Context, id string) (*contracts.Capability, error) {
	capability, err := e.capabilities.Revoke(ctx, id, e.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "capability revoked",
		"capability_id", id,
		"agent_id", capability.AgentID,
	)
	return capability, nil
}

// List returns capabilities for an agent, optionally only active grants.
// An empty agentID lists across all agents.
func (e *Engine) List(ctx context.Context, agentID string, activeOnly bool) ([]*contracts.Capability, error) {
	var status contracts.CapabilityStatus
	if activeOnly {
		status = contracts.CapabilityActive
	}
	return e.capabilities.List(ctx, agentID, status)
}

// ExpireSweep marks every active capability past its expiry as expired and
// returns the number swept. The daemon runs this periodically; validation
// never trusts stored status alone, so the sweep is bookkeeping, not a
// security boundary.
func (e *Engine) ExpireSweep(ctx context.Context) (int64, error) {
	swept, err := e.capabilities.ExpireSweep(ctx, e.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		e.logger.InfoContext(ctx, "capabilities expired", "count", swept)
	}
	return swept, nil
}

// RevokeAllForAgent bulk-revokes an agent's active capabilities and returns
// the actual count.
func (e *Engine) RevokeAllForAgent(ctx context.Context, agentID string) (int64, error) {
	revoked, err := e.capabilities.RevokeAllForAgent(ctx, agentID, e.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		e.logger.InfoContext(ctx, "agent capabilities revoked",
			"agent_id", agentID,
			"count", revoked,
		)
	}
	return revoked, nil
}

func validateScope(scope contracts.Scope) error {
	if len(scope) == 0 {
		return contracts.NewError(contracts.KindValidation, "scope must contain at least one action")
	}
	for action, grant := range scope {
		ns, verb, ok := strings.Cut(action, ":")
		if !ok || ns == "" || verb == "" {
			return contracts.NewError(contracts.KindValidation, "scope action %q must be namespace:verb", action)
		}
		switch v := grant.(type) {
		case bool:
			if !v {
				return contracts.NewError(contracts.KindValidation, "scope action %q must grant true or a constraint object", action)
			}
		case map[string]any:
			// Constraint object; contents are interpreted by the caller.
		default:
			return contracts.NewError(contracts.KindValidation, "scope action %q must grant true or a constraint object", action)
		}
	}
	return nil
}
