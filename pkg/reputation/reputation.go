// Package reputation maintains per-agent behavioral scores from reported
// outcomes. The aggregate is updated in the same transaction that records
// the outcome, so rates, counters, and score never drift apart.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// impactTable is the default score delta per outcome type. Callers may
// override it with a custom impact in [-1, 1].
var impactTable = map[contracts.OutcomeType]float64{
	contracts.OutcomeSuccess:        0.5,
	contracts.OutcomePartialSuccess: 0.2,
	contracts.OutcomeFailure:        -0.3,
	contracts.OutcomeUserCorrected:  -0.5,
	contracts.OutcomeHarmful:        -2.0,
}

// Engine is the reputation engine.
type Engine struct {
	reputation store.ReputationStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine builds an engine over the reputation store.
func NewEngine(reputation store.ReputationStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reputation: reputation,
		logger:     logger.With("component", "reputation"),
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RecordOutcome appends an outcome and folds it into the agent's aggregate:
// score moves by the impact (clamped to [0,100]), the outcome's side is
// added to the success/failure rates, and the harmful and correction
// counters advance. Event linkage is optional.
func (e *Engine) RecordOutcome(ctx context.Context, agentID string, eventID *int64, outcomeType contracts.OutcomeType, reporter string, impact *float64, details map[string]any) (*contracts.Reputation, error) {
	if !outcomeType.Valid() {
		return nil, contracts.NewError(contracts.KindValidation, "unknown outcome_type %q", outcomeType)
	}
	if strings.TrimSpace(reporter) == "" {
		return nil, contracts.NewError(contracts.KindValidation, "reporter is required")
	}
	delta := impactTable[outcomeType]
	if impact != nil {
		if *impact < -1 || *impact > 1 {
			return nil, contracts.NewError(contracts.KindValidation, "impact_score must be within [-1, 1], got %v", *impact)
		}
		delta = *impact
	}

	at := e.now().UTC().Truncate(time.Millisecond)
	outcome := &contracts.Outcome{
		AgentID:     agentID,
		EventID:     eventID,
		OutcomeType: outcomeType,
		Reporter:    strings.TrimSpace(reporter),
		ImpactScore: delta,
		Details:     details,
		CreatedAt:   at,
	}

	rep, err := e.reputation.RecordOutcome(ctx, outcome, func(rep *contracts.Reputation) {
		applyOutcome(rep, outcomeType, delta, at)
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "outcome recorded",
		"agent_id", agentID,
		"outcome_type", outcomeType,
		"impact", delta,
		"overall_score", rep.OverallScore,
	)
	return rep, nil
}

// UpdateDomainScore replaces one domain entry in the agent's breakdown.
func (e *Engine) UpdateDomainScore(ctx context.Context, agentID, domain string, score float64) (*contracts.Reputation, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, contracts.NewError(contracts.KindValidation, "domain is required")
	}
	if score < 0 || score > 1 {
		return nil, contracts.NewError(contracts.KindValidation, "score must be within [0, 1], got %v", score)
	}
	rep, err := e.reputation.UpdateDomainScore(ctx, agentID, domain, score, e.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "domain score updated",
		"agent_id", agentID,
		"domain", domain,
		"score", score,
	)
	return rep, nil
}

// ShouldDowngrade reports whether the agent's record warrants a trust
// downgrade, with the controlling reason. Severity order: floor score,
// harmful count, failure rate.
func (e *Engine) ShouldDowngrade(ctx context.Context, agentID string) (bool, string, error) {
	rep, err := e.reputation.Get(ctx, agentID)
	if err != nil {
		return false, "", err
	}
	switch {
	case rep.OverallScore < 20:
		return true, fmt.Sprintf("Overall score too low: %.1f", rep.OverallScore), nil
	case rep.HarmfulActions >= 5:
		return true, fmt.Sprintf("Too many harmful actions: %d", rep.HarmfulActions), nil
	case rep.FailureRate > 0.5:
		return true, fmt.Sprintf("Failure rate too high: %.2f", rep.FailureRate), nil
	}
	return false, "", nil
}

// Get returns one agent's reputation.
func (e *Engine) Get(ctx context.Context, agentID string) (*contracts.Reputation, error) {
	return e.reputation.Get(ctx, agentID)
}

// List returns all reputation rows, best score first.
func (e *Engine) List(ctx context.Context) ([]*contracts.Reputation, error) {
	return e.reputation.List(ctx)
}

// applyOutcome folds one outcome into the aggregate. Rates are stored, not
// counts: the counts are reconstructed with round(rate*N), which is exact
// because every stored rate is itself count/N.
func applyOutcome(rep *contracts.Reputation, outcomeType contracts.OutcomeType, delta float64, at time.Time) {
	rep.OverallScore = clamp(rep.OverallScore+delta, 0, 100)

	n := float64(rep.TotalActions)
	successes := math.Round(rep.SuccessRate * n)
	failures := math.Round(rep.FailureRate * n)
	if outcomeType.Positive() {
		successes++
	} else {
		failures++
	}
	rep.TotalActions++
	rep.SuccessRate = successes / float64(rep.TotalActions)
	rep.FailureRate = failures / float64(rep.TotalActions)

	if outcomeType == contracts.OutcomeHarmful {
		rep.HarmfulActions++
	}
	if outcomeType == contracts.OutcomeUserCorrected {
		rep.UserCorrections++
	}
	rep.LastUpdated = at
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
