package auth

import (
	"context"
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// Header names for the two credential schemes.
const (
	HeaderServiceKey = "X-Service-Key"
	HeaderAgentID    = "X-Agent-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
)

// DefaultSignatureWindow bounds how far a signed request's timestamp may
// drift from the server clock, in either direction.
const DefaultSignatureWindow = 300 * time.Second

// Authenticator verifies service keys and agent request signatures. It does
// no HTTP handling itself; the API layer adapts its verdicts to responses.
type Authenticator struct {
	serviceKey []byte
	agents     store.AgentStore
	window     time.Duration
	now        func() time.Time
}

// NewAuthenticator builds an authenticator. A non-positive window falls back
// to the default.
func NewAuthenticator(serviceKey string, agents store.AgentStore, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	return &Authenticator{
		serviceKey: []byte(serviceKey),
		agents:     agents,
		window:     window,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// VerifyServiceKey compares the presented key to the configured one in
// constant time.
func (a *Authenticator) VerifyServiceKey(presented string) error {
	if len(a.serviceKey) == 0 {
		return contracts.NewError(contracts.KindUnauthorized, "service key authentication is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(presented), a.serviceKey) != 1 {
		return contracts.NewError(contracts.KindUnauthorized, "invalid service key")
	}
	return nil
}

// SignaturePayload is the exact byte string an agent signs for a request:
// METHOD:PATH:BODY:TIMESTAMP, with BODY the raw request body as transmitted
// (empty when there is none) and TIMESTAMP the unix-seconds header value.
func SignaturePayload(method, path string, body []byte, timestamp string) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(body)+len(timestamp)+3)
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	payload = append(payload, ':')
	payload = append(payload, timestamp...)
	return payload
}

// VerifyAgentSignature authenticates a signed request and returns the agent.
// The timestamp must be within the configured window of the server clock,
// boundary inclusive. Unknown agents are UNAUTHORIZED, not NOT_FOUND, so the
// endpoint does not probe the registry; revoked agents are FORBIDDEN.
func (a *Authenticator) VerifyAgentSignature(ctx context.Context, agentID, timestamp, signature, method, path string, body []byte) (*contracts.Agent, error) {
	if agentID == "" || timestamp == "" || signature == "" {
		return nil, contracts.NewError(contracts.KindUnauthorized, "missing %s, %s, or %s header", HeaderAgentID, HeaderTimestamp, HeaderSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, contracts.NewError(contracts.KindUnauthorized, "%s must be unix seconds", HeaderTimestamp)
	}
	window := int64(a.window / time.Second)
	if delta := a.now().Unix() - ts; delta > window || -delta > window {
		return nil, contracts.NewError(contracts.KindUnauthorized, "request timestamp outside the %ds window", window)
	}

	agent, err := a.agents.Get(ctx, agentID)
	if err != nil {
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewError(contracts.KindUnauthorized, "unknown agent")
		}
		return nil, err
	}
	if !agent.Active() {
		return nil, contracts.NewError(contracts.KindForbidden, "agent %s is revoked", agentID)
	}

	ok, err := crypto.Verify(agent.PublicKey, signature, SignaturePayload(method, path, body, timestamp))
	if err != nil || !ok {
		return nil, contracts.NewError(contracts.KindUnauthorized, "request signature does not verify")
	}
	return agent, nil
}
