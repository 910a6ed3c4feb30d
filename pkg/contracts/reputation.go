package contracts

import "time"

// OutcomeType classifies a reporter's judgment of one agent action.
type OutcomeType string

const (
	OutcomeSuccess        OutcomeType = "success"
	OutcomePartialSuccess OutcomeType = "partial_success"
	OutcomeFailure        OutcomeType = "failure"
	OutcomeUserCorrected  OutcomeType = "user_corrected"
	OutcomeHarmful        OutcomeType = "harmful"
)

var outcomeTypes = map[OutcomeType]bool{
	OutcomeSuccess:        true,
	OutcomePartialSuccess: true,
	OutcomeFailure:        true,
	OutcomeUserCorrected:  true,
	OutcomeHarmful:        true,
}

// Valid reports whether t is a known outcome type.
func (t OutcomeType) Valid() bool {
	return outcomeTypes[t]
}

// Positive reports whether the outcome counts toward the success rate.
// Everything else counts toward the failure rate.
func (t OutcomeType) Positive() bool {
	return t == OutcomeSuccess || t == OutcomePartialSuccess
}

// Outcome is an append-only, reporter-attested judgment about an event.
type Outcome struct {
	ID          int64          `json:"id"`
	AgentID     string         `json:"agent_id"`
	EventID     *int64         `json:"event_id,omitempty"`
	OutcomeType OutcomeType    `json:"outcome_type"`
	Reporter    string         `json:"reporter"`
	ImpactScore float64        `json:"impact_score"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Reputation is the per-agent behavioral aggregate. One row exists per
// agent from the moment of registration.
type Reputation struct {
	AgentID         string             `json:"agent_id"`
	OverallScore    float64            `json:"overall_score"`
	TotalActions    int64              `json:"total_actions"`
	SuccessRate     float64            `json:"success_rate"`
	FailureRate     float64            `json:"failure_rate"`
	HarmfulActions  int64              `json:"harmful_actions"`
	UserCorrections int64              `json:"user_corrections"`
	Breakdown       map[string]float64 `json:"breakdown"`
	LastUpdated     time.Time          `json:"last_updated"`
}
