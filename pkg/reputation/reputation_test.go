package reputation

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/store"
)

var testClock = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  store.Store
	agent  *contracts.Agent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open("sqlite::memory:", store.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	h := &harness{store: st}
	h.agent = h.registerAgent(t, strings.Repeat("ab", 32))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = NewEngine(st.Reputation(), logger).WithClock(func() time.Time { return testClock })
	return h
}

func (h *harness) registerAgent(t *testing.T, id string) *contracts.Agent {
	t.Helper()
	agent := &contracts.Agent{
		AgentID:   id,
		PublicKey: "pk-" + id[:8],
		Name:      "agent " + id[:8],
		Owner:     "owner-1",
		Status:    contracts.AgentActive,
		CreatedAt: testClock.Add(-time.Hour),
	}
	if err := h.store.Agents().Insert(context.Background(), agent); err != nil {
		t.Fatalf("failed to insert agent: %v", err)
	}
	return agent
}

func (h *harness) record(t *testing.T, outcomeType contracts.OutcomeType) *contracts.Reputation {
	t.Helper()
	rep, err := h.engine.RecordOutcome(context.Background(), h.agent.AgentID, nil, outcomeType, "supervisor", nil, nil)
	if err != nil {
		t.Fatalf("failed to record %s: %v", outcomeType, err)
	}
	return rep
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// The walkthrough from the service documentation: fresh agent at 50.0, one
// success, then five harmful outcomes ending in a downgrade.
func TestOutcomeWalkthrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fresh, err := h.engine.Get(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to get reputation: %v", err)
	}
	if !almost(fresh.OverallScore, 50.0) || fresh.TotalActions != 0 {
		t.Fatalf("fresh reputation = %+v", fresh)
	}

	rep := h.record(t, contracts.OutcomeSuccess)
	if !almost(rep.OverallScore, 50.5) || rep.TotalActions != 1 || !almost(rep.SuccessRate, 1.0) {
		t.Fatalf("after success: %+v", rep)
	}

	rep = h.record(t, contracts.OutcomeHarmful)
	if !almost(rep.OverallScore, 48.5) || rep.TotalActions != 2 {
		t.Fatalf("after harmful: %+v", rep)
	}
	if !almost(rep.SuccessRate, 0.5) || !almost(rep.FailureRate, 0.5) || rep.HarmfulActions != 1 {
		t.Fatalf("after harmful: %+v", rep)
	}

	for i := 0; i < 3; i++ {
		rep = h.record(t, contracts.OutcomeHarmful)
	}
	if rep.HarmfulActions != 4 {
		t.Fatalf("harmful actions = %d, want 4", rep.HarmfulActions)
	}
	down, _, err := h.engine.ShouldDowngrade(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to check downgrade: %v", err)
	}
	if down {
		t.Fatal("downgrade triggered at 4 harmful actions")
	}

	rep = h.record(t, contracts.OutcomeHarmful)
	if rep.HarmfulActions != 5 {
		t.Fatalf("harmful actions = %d, want 5", rep.HarmfulActions)
	}
	down, reason, err := h.engine.ShouldDowngrade(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to check downgrade: %v", err)
	}
	if !down || reason != "Too many harmful actions: 5" {
		t.Fatalf("downgrade = %v, reason = %q", down, reason)
	}
}

func TestRateReconstruction(t *testing.T) {
	h := newHarness(t)

	h.record(t, contracts.OutcomeSuccess)
	h.record(t, contracts.OutcomeFailure)
	rep := h.record(t, contracts.OutcomePartialSuccess)

	if rep.TotalActions != 3 {
		t.Fatalf("total = %d, want 3", rep.TotalActions)
	}
	if !almost(rep.SuccessRate, 2.0/3.0) || !almost(rep.FailureRate, 1.0/3.0) {
		t.Fatalf("rates = %v / %v", rep.SuccessRate, rep.FailureRate)
	}

	rep = h.record(t, contracts.OutcomeUserCorrected)
	if rep.UserCorrections != 1 || !almost(rep.FailureRate, 0.5) {
		t.Fatalf("after correction: %+v", rep)
	}
}

func TestCustomImpact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	impact := -1.0
	rep, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, contracts.OutcomeFailure, "supervisor", &impact, nil)
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if !almost(rep.OverallScore, 49.0) {
		t.Fatalf("score = %v, want 49.0", rep.OverallScore)
	}

	zero := 0.0
	rep, err = h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, contracts.OutcomeHarmful, "supervisor", &zero, nil)
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if !almost(rep.OverallScore, 49.0) || rep.HarmfulActions != 1 {
		t.Fatalf("zero-impact harmful: %+v", rep)
	}

	for _, bad := range []float64{1.5, -1.01, math.Inf(1)} {
		impact := bad
		_, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, contracts.OutcomeSuccess, "supervisor", &impact, nil)
		if !contracts.IsKind(err, contracts.KindValidation) {
			t.Fatalf("impact %v: error = %v, want VALIDATION", bad, err)
		}
	}
}

func TestRecordRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, "mediocre", "supervisor", nil, nil); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("bad type: error = %v, want VALIDATION", err)
	}
	if _, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, contracts.OutcomeSuccess, "  ", nil, nil); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("blank reporter: error = %v, want VALIDATION", err)
	}
	if _, err := h.engine.RecordOutcome(ctx, strings.Repeat("cd", 32), nil, contracts.OutcomeSuccess, "supervisor", nil, nil); !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("unknown agent: error = %v, want NOT_FOUND", err)
	}

	ghost := int64(999)
	if _, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, &ghost, contracts.OutcomeSuccess, "supervisor", nil, nil); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("ghost event: error = %v, want VALIDATION", err)
	}
}

func TestScoreClamp(t *testing.T) {
	h := newHarness(t)

	var rep *contracts.Reputation
	for i := 0; i < 26; i++ {
		rep = h.record(t, contracts.OutcomeHarmful)
	}
	if !almost(rep.OverallScore, 0) {
		t.Fatalf("score = %v, want clamp at 0", rep.OverallScore)
	}
	rep = h.record(t, contracts.OutcomeHarmful)
	if !almost(rep.OverallScore, 0) {
		t.Fatalf("score under floor: %v", rep.OverallScore)
	}

	// Pull back up past the ceiling with maximum custom impacts.
	impact := 1.0
	for i := 0; i < 101; i++ {
		var err error
		rep, err = h.engine.RecordOutcome(context.Background(), h.agent.AgentID, nil, contracts.OutcomeSuccess, "supervisor", &impact, nil)
		if err != nil {
			t.Fatalf("failed to record: %v", err)
		}
	}
	if !almost(rep.OverallScore, 100) {
		t.Fatalf("score = %v, want clamp at 100", rep.OverallScore)
	}
}

func TestDowngradeReasonOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Failure rate over 0.5 with a healthy score and no harmful actions.
	h.record(t, contracts.OutcomeSuccess)
	h.record(t, contracts.OutcomeSuccess)
	h.record(t, contracts.OutcomeFailure)
	h.record(t, contracts.OutcomeFailure)
	h.record(t, contracts.OutcomeFailure)

	down, reason, err := h.engine.ShouldDowngrade(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to check downgrade: %v", err)
	}
	if !down || reason != "Failure rate too high: 0.60" {
		t.Fatalf("downgrade = %v, reason = %q", down, reason)
	}

	// Drive the score below 20: the floor takes precedence over the rate.
	impact := -1.0
	for i := 0; i < 31; i++ {
		if _, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, nil, contracts.OutcomeFailure, "supervisor", &impact, nil); err != nil {
			t.Fatalf("failed to record: %v", err)
		}
	}
	down, reason, err = h.engine.ShouldDowngrade(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to check downgrade: %v", err)
	}
	if !down || !strings.HasPrefix(reason, "Overall score too low:") {
		t.Fatalf("downgrade = %v, reason = %q", down, reason)
	}
}

func TestDomainScores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rep, err := h.engine.UpdateDomainScore(ctx, h.agent.AgentID, "finance", 0.85)
	if err != nil {
		t.Fatalf("failed to update domain: %v", err)
	}
	if !almost(rep.Breakdown["finance"], 0.85) {
		t.Fatalf("breakdown = %v", rep.Breakdown)
	}

	rep, err = h.engine.UpdateDomainScore(ctx, h.agent.AgentID, "finance", 0.4)
	if err != nil {
		t.Fatalf("failed to replace domain: %v", err)
	}
	if !almost(rep.Breakdown["finance"], 0.4) || len(rep.Breakdown) != 1 {
		t.Fatalf("breakdown not replaced: %v", rep.Breakdown)
	}

	for _, bad := range []float64{-0.1, 1.1} {
		if _, err := h.engine.UpdateDomainScore(ctx, h.agent.AgentID, "finance", bad); !contracts.IsKind(err, contracts.KindValidation) {
			t.Fatalf("score %v: error = %v, want VALIDATION", bad, err)
		}
	}
	if _, err := h.engine.UpdateDomainScore(ctx, h.agent.AgentID, "  ", 0.5); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("blank domain: error = %v, want VALIDATION", err)
	}
	if _, err := h.engine.UpdateDomainScore(ctx, strings.Repeat("cd", 32), "finance", 0.5); !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("unknown agent: error = %v, want NOT_FOUND", err)
	}
}

func TestEventLinkedOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.store.Events().Admit(ctx, h.agent.AgentID, strings.Repeat("12", 32), func(agent *contracts.Agent, prev *contracts.Event) (*contracts.Event, error) {
		return &contracts.Event{
			AgentID:   h.agent.AgentID,
			EventType: contracts.EventToolCallResult,
			Timestamp: testClock,
			Hash:      strings.Repeat("12", 32),
			Payload:   map[string]any{"ok": true},
			Signature: strings.Repeat("34", 64),
		}, nil
	})
	if err != nil {
		t.Fatalf("failed to admit event: %v", err)
	}

	if _, err := h.engine.RecordOutcome(ctx, h.agent.AgentID, &ev.ID, contracts.OutcomeSuccess, "supervisor", nil, map[string]any{"note": "verified"}); err != nil {
		t.Fatalf("failed to record linked outcome: %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := h.registerAgent(t, strings.Repeat("ef", 32))

	h.record(t, contracts.OutcomeHarmful) // h.agent drops to 48

	reps, err := h.engine.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(reps) != 2 {
		t.Fatalf("len = %d, want 2", len(reps))
	}
	if reps[0].AgentID != other.AgentID || reps[1].AgentID != h.agent.AgentID {
		t.Fatalf("not ordered by score: %s, %s", reps[0].AgentID, reps[1].AgentID)
	}
}
