// Package auth verifies the two request credentials the service accepts, a
// shared operator key and per-agent Ed25519 request signatures, and carries
// the resulting principal through the request context.
package auth

import "github.com/wrentheai/trust-infra/pkg/contracts"

// PrincipalKind discriminates authenticated caller types.
type PrincipalKind string

const (
	PrincipalService PrincipalKind = "service"
	PrincipalAgent   PrincipalKind = "agent"
)

// Principal is an authenticated caller.
type Principal interface {
	ID() string
	Kind() PrincipalKind
}

// ServicePrincipal is the operator identity behind the shared service key.
type ServicePrincipal struct{}

func (ServicePrincipal) ID() string          { return "service" }
func (ServicePrincipal) Kind() PrincipalKind { return PrincipalService }

// AgentPrincipal is an agent authenticated by a request signature.
type AgentPrincipal struct {
	Agent *contracts.Agent
}

func (p AgentPrincipal) ID() string          { return p.Agent.AgentID }
func (p AgentPrincipal) Kind() PrincipalKind { return PrincipalAgent }
