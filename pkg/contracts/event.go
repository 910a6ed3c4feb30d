package contracts

import (
	"encoding/json"
	"time"
)

// EventType tags one entry in an agent's chain.
type EventType string

// The closed set of event types. Anything else is rejected at admission.
const (
	EventInputReceived     EventType = "input_received"
	EventDecisionMade      EventType = "decision_made"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallResult    EventType = "tool_call_result"
	EventResponseEmitted   EventType = "response_emitted"
	EventMemoryCreated     EventType = "memory_created"
	EventMemoryUpdated     EventType = "memory_updated"
	EventCapabilityGranted EventType = "capability_granted"
	EventCapabilityRevoked EventType = "capability_revoked"
	EventPolicyViolation   EventType = "policy_violation"
	EventErrorOccurred     EventType = "error_occurred"
	EventSystemEvent       EventType = "system_event"
)

var eventTypes = map[EventType]bool{
	EventInputReceived:     true,
	EventDecisionMade:      true,
	EventToolCallRequested: true,
	EventToolCallResult:    true,
	EventResponseEmitted:   true,
	EventMemoryCreated:     true,
	EventMemoryUpdated:     true,
	EventCapabilityGranted: true,
	EventCapabilityRevoked: true,
	EventPolicyViolation:   true,
	EventErrorOccurred:     true,
	EventSystemEvent:       true,
}

// Valid reports whether t is one of the twelve known event types.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// TimestampLayout is the canonical wire form for event timestamps: RFC 3339
// UTC with exactly three fractional digits. Hashing and signing depend on
// this string being reproducible, so timestamps are truncated to millisecond
// precision at admission and formatted with this layout everywhere.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// Event is one signed, hash-linked record in an agent's chain.
//
// PrevHash is nil only for the first event of a chain; over the wire and in
// the canonical pre-image it is then an explicit null. CorrelationID is
// omitted entirely when absent, never serialized as null.
type Event struct {
	ID            int64          `json:"id"`
	AgentID       string         `json:"agent_id"`
	EventType     EventType      `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      *string        `json:"prev_hash"`
	Hash          string         `json:"hash"`
	Payload       map[string]any `json:"payload"`
	Signature     string         `json:"signature"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
}

// MarshalJSON keeps the wire timestamp identical to the canonical form so a
// client can re-derive the pre-image from a served event byte for byte.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{alias: alias(e), Timestamp: FormatTimestamp(e.Timestamp)})
}

// AppendRequest is the admission input: the signed wire event as submitted.
// Timestamp stays a raw string here because the hash was computed over the
// client's exact rendering; the ledger parses and truncates it.
type AppendRequest struct {
	AgentID       string         `json:"agent_id"`
	EventType     EventType      `json:"event_type"`
	Timestamp     string         `json:"timestamp,omitempty"`
	PrevHash      *string        `json:"prev_hash"`
	Payload       map[string]any `json:"payload"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	Hash          string         `json:"hash"`
	Signature     string         `json:"signature"`
}

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	AgentID       string
	EventType     EventType
	CorrelationID string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

// ChainReport is the result of verifying one agent's chain.
type ChainReport struct {
	Valid             bool     `json:"valid"`
	TotalEvents       int      `json:"totalEvents"`
	Errors            []string `json:"errors"`
	FirstInvalidEvent *int     `json:"firstInvalidEvent,omitempty"`
}
