package capability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/store"
)

type harness struct {
	engine *Engine
	store  store.Store
	agent  *contracts.Agent
	nowVal time.Time
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

	h := &harness{
		store:  st,
		nowVal: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.agent = h.registerAgent(t, strings.Repeat("ab", 32))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = NewEngine(st.Capabilities(), st.Agents(), logger).WithClock(func() time.Time { return h.nowVal })
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
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := h.store.Agents().Insert(context.Background(), agent); err != nil {
		t.Fatalf("failed to insert agent: %v", err)
	}
	return agent
}

func (h *harness) mint(t *testing.T, scope contracts.Scope, ttl time.Duration) *MintResult {
	t.Helper()
	res, err := h.engine.Mint(context.Background(), h.agent.AgentID, scope, "admin", h.nowVal.Add(ttl))
	if err != nil {
		t.Fatalf("failed to mint: %v", err)
	}
	return res
}

func TestMintAndValidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	scope := contracts.Scope{
		"tool:web.read":    true,
		"tool:wallet.send": map[string]any{"max_value": 100},
	}
	res := h.mint(t, scope, time.Hour)

	if len(res.Token) != 64 {
		t.Fatalf("token length = %d, want 64", len(res.Token))
	}
	if res.Capability.TokenHash == res.Token {
		t.Fatal("plaintext token stored as hash")
	}
	if res.Capability.Status != contracts.CapabilityActive {
		t.Fatalf("status = %s, want active", res.Capability.Status)
	}

	verdict, err := h.engine.Validate(ctx, res.Token)
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if !verdict.Valid || verdict.Capability == nil {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if verdict.Capability.ID != res.Capability.ID {
		t.Fatalf("verdict capability = %s, want %s", verdict.Capability.ID, res.Capability.ID)
	}
	grant, ok := verdict.Capability.Scope.Grant("tool:wallet.send")
	if !ok {
		t.Fatal("scope lost the wallet grant")
	}
	constraint, ok := grant.(map[string]any)
	if !ok || constraint["max_value"] != float64(100) {
		t.Fatalf("constraint did not round-trip: %#v", grant)
	}

	unknown, err := h.engine.Validate(ctx, strings.Repeat("00", 32))
	if err != nil {
		t.Fatalf("failed to validate unknown token: %v", err)
	}
	if unknown.Valid || unknown.Reason != "capability not found" {
		t.Fatalf("unexpected verdict for unknown token: %+v", unknown)
	}
	if unknown.Capability != nil {
		t.Fatal("invalid verdict leaked the record")
	}
}

func TestMintRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := contracts.Scope{"tool:web.read": true}

	cases := []struct {
		name  string
		scope contracts.Scope
	}{
		{"empty scope", contracts.Scope{}},
		{"missing verb", contracts.Scope{"tool:": true}},
		{"missing namespace", contracts.Scope{":read": true}},
		{"no separator", contracts.Scope{"read": true}},
		{"false grant", contracts.Scope{"tool:web.read": false}},
		{"string grant", contracts.Scope{"tool:web.read": "yes"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Mint(ctx, h.agent.AgentID, tc.scope, "admin", h.nowVal.Add(time.Hour))
			if !contracts.IsKind(err, contracts.KindValidation) {
				t.Fatalf("error = %v, want VALIDATION", err)
			}
		})
	}

	if _, err := h.engine.Mint(ctx, h.agent.AgentID, good, "  ", h.nowVal.Add(time.Hour)); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("blank issuer: error = %v, want VALIDATION", err)
	}
	if _, err := h.engine.Mint(ctx, h.agent.AgentID, good, "admin", h.nowVal); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("expiry at issue time: error = %v, want VALIDATION", err)
	}
	if _, err := h.engine.Mint(ctx, strings.Repeat("cd", 32), good, "admin", h.nowVal.Add(time.Hour)); !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("unknown agent: error = %v, want NOT_FOUND", err)
	}

	if _, _, err := h.store.Agents().Revoke(ctx, h.agent.AgentID, "done", h.nowVal); err != nil {
		t.Fatalf("failed to revoke agent: %v", err)
	}
	if _, err := h.engine.Mint(ctx, h.agent.AgentID, good, "admin", h.nowVal.Add(time.Hour)); !contracts.IsKind(err, contracts.KindForbidden) {
		t.Fatalf("revoked agent: error = %v, want FORBIDDEN", err)
	}
}

func TestCheckPermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mint(t, contracts.Scope{
		"tool:web.read":    true,
		"tool:wallet.send": map[string]any{"max_value": 100},
	}, time.Hour)
	h.mint(t, contracts.Scope{"fs:*": map[string]any{"read_only": true}}, time.Hour)

	read, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "tool:web.read")
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	if !read.Allowed || read.Scope != true {
		t.Fatalf("unexpected decision: %+v", read)
	}

	send, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "tool:wallet.send")
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	constraint, ok := send.Scope.(map[string]any)
	if !send.Allowed || !ok || constraint["max_value"] != float64(100) {
		t.Fatalf("constraint not carried: %+v", send)
	}

	wild, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "fs:write")
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	if !wild.Allowed {
		t.Fatalf("wildcard did not match: %+v", wild)
	}

	denied, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "tool:wallet.transfer")
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	if denied.Allowed || denied.Reason == "" {
		t.Fatalf("unexpected decision: %+v", denied)
	}

	if _, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "malformed"); !contracts.IsKind(err, contracts.KindValidation) {
		t.Fatalf("error = %v, want VALIDATION", err)
	}
}

func TestExpiryBeatsStoredStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mint(t, contracts.Scope{"tool:web.read": true}, time.Hour)
	h.nowVal = h.nowVal.Add(2 * time.Hour)

	// Not swept yet: the row still says active, the clock says expired.
	verdict, err := h.engine.Validate(ctx, res.Token)
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if verdict.Valid || verdict.Reason != "capability expired" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	decision, err := h.engine.CheckPermission(ctx, h.agent.AgentID, "tool:web.read")
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expired capability granted permission")
	}

	swept, err := h.engine.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	active, err := h.engine.List(ctx, h.agent.AgentID, true)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active grants after sweep: %d", len(active))
	}
	all, err := h.engine.List(ctx, h.agent.AgentID, false)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 1 || all[0].Status != contracts.CapabilityExpired {
		t.Fatalf("unexpected listing: %+v", all)
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mint(t, contracts.Scope{"tool:web.read": true}, time.Hour)

	revoked, err := h.engine.Revoke(ctx, res.Capability.ID)
	if err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if revoked.Status != contracts.CapabilityRevoked || revoked.RevokedAt == nil {
		t.Fatalf("not revoked: %+v", revoked)
	}

	verdict, err := h.engine.Validate(ctx, res.Token)
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if verdict.Valid || verdict.Reason != "capability revoked" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	if _, err := h.engine.Revoke(ctx, res.Capability.ID); !contracts.IsKind(err, contracts.KindConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
	if _, err := h.engine.Revoke(ctx, "no-such-id"); !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestRevokeAllForAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := h.registerAgent(t, strings.Repeat("ef", 32))

	h.mint(t, contracts.Scope{"tool:web.read": true}, time.Hour)
	h.mint(t, contracts.Scope{"fs:*": true}, time.Hour)
	otherRes, err := h.engine.Mint(ctx, other.AgentID, contracts.Scope{"tool:web.read": true}, "admin", h.nowVal.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to mint: %v", err)
	}

	count, err := h.engine.RevokeAllForAgent(ctx, h.agent.AgentID)
	if err != nil {
		t.Fatalf("failed to revoke all: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	verdict, err := h.engine.Validate(ctx, otherRes.Token)
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("unrelated agent's grant was revoked: %+v", verdict)
	}
}
