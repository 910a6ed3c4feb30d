package canonical

import (
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// EventPreimage builds the unsigned event structure whose canonical bytes
// are hashed and signed. Field presence rules matter here: prev_hash is
// always present, null for a genesis event; correlation_id is omitted
// entirely when absent. hash and signature never appear in the pre-image.
func EventPreimage(agentID string, eventType contracts.EventType, timestamp string, prevHash *string, payload map[string]any, correlationID *string) map[string]any {
	m := map[string]any{
		"agent_id":   agentID,
		"event_type": string(eventType),
		"timestamp":  timestamp,
		"payload":    payload,
	}
	if prevHash != nil {
		m["prev_hash"] = *prevHash
	} else {
		m["prev_hash"] = nil
	}
	if correlationID != nil {
		m["correlation_id"] = *correlationID
	}
	return m
}

// EventPreimageFromStored rebuilds the pre-image of a persisted event for
// re-verification. The stored timestamp is millisecond-truncated at
// admission, so the canonical rendering round-trips exactly.
func EventPreimageFromStored(e *contracts.Event) map[string]any {
	return EventPreimage(e.AgentID, e.EventType, contracts.FormatTimestamp(e.Timestamp), e.PrevHash, e.Payload, e.CorrelationID)
}

// EventBytes returns the canonical bytes of a persisted event's pre-image.
func EventBytes(e *contracts.Event) ([]byte, error) {
	return Marshal(EventPreimageFromStored(e))
}

// EventHash returns the canonical hash of a persisted event's pre-image.
func EventHash(e *contracts.Event) (string, error) {
	return Hash(EventPreimageFromStored(e))
}
