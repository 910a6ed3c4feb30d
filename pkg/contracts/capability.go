package contracts

import (
	"strings"
	"time"
)

// CapabilityStatus is the lifecycle state of a capability grant.
type CapabilityStatus string

const (
	CapabilityActive  CapabilityStatus = "active"
	CapabilityExpired CapabilityStatus = "expired"
	CapabilityRevoked CapabilityStatus = "revoked"
)

// Scope maps action strings of the form "<namespace>:<verb>" to either
// boolean true (unconditional grant) or a constraint object interpreted by
// the caller, e.g. {"max_value": 100}. A "<namespace>:*" key grants every
// verb in that namespace.
type Scope map[string]any

// Grant returns the grant value for action, honoring namespace wildcards.
// The second result is false when the scope does not cover the action.
func (s Scope) Grant(action string) (any, bool) {
	if v, ok := s[action]; ok {
		return v, true
	}
	if ns, _, ok := strings.Cut(action, ":"); ok {
		if v, ok := s[ns+":*"]; ok {
			return v, true
		}
	}
	return nil, false
}

// Capability is a bearer-token-backed grant of a scoped, time-limited action
// set for one agent. The plaintext token is returned once at mint time; only
// its SHA-256 is stored.
type Capability struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	Scope     Scope            `json:"scope"`
	IssuedBy  string           `json:"issued_by"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Status    CapabilityStatus `json:"status"`
	TokenHash string           `json:"token_hash"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
}

// ExpiredAt reports whether the capability is expired as of now. Expiry is
// inclusive: expires_at equal to now counts as expired.
func (c *Capability) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}
