package contracts

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentRevoked AgentStatus = "revoked"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	return s == AgentActive || s == AgentRevoked
}

// Agent is a principal identified by an Ed25519 public key. The agent ID is
// the lowercase hex SHA-256 of the raw public key bytes, so identity is
// derived, never assigned.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	PublicKey string         `json:"public_key"`
	Name      string         `json:"name,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Status    AgentStatus    `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty"`
}

// Active reports whether the agent may still author events.
func (a *Agent) Active() bool {
	return a.Status == AgentActive
}
