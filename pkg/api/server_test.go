package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wrentheai/trust-infra/pkg/api"
	"github.com/wrentheai/trust-infra/pkg/archive"
	"github.com/wrentheai/trust-infra/pkg/auth"
	"github.com/wrentheai/trust-infra/pkg/canonical"
	"github.com/wrentheai/trust-infra/pkg/capability"
	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/ledger"
	"github.com/wrentheai/trust-infra/pkg/ratelimit"
	"github.com/wrentheai/trust-infra/pkg/registry"
	"github.com/wrentheai/trust-infra/pkg/reputation"
	"github.com/wrentheai/trust-infra/pkg/store"
)

var testClock = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

const testServiceKey = "e2e-service-key"

// testServer wires the full stack over an in-memory store behind httptest.
type testServer struct {
	http   *httptest.Server
	store  store.Store
	signer *crypto.Ed25519Signer
	agent  string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithLimiter(t, nil)
}

func newTestServerWithLimiter(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	st, err := store.Open("sqlite::memory:", store.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return testClock }

	blobs, err := archive.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	led := ledger.NewService(st.Events(), st.Agents(), logger).WithClock(clock)
	srv, err := api.NewServer(api.Options{
		Registry:      registry.NewService(st.Agents(), logger).WithClock(clock),
		Ledger:        led,
		Exporter:      ledger.NewExporter(led, blobs).WithClock(clock),
		Capabilities:  capability.NewEngine(st.Capabilities(), st.Agents(), logger).WithClock(clock),
		Reputation:    reputation.NewEngine(st.Reputation(), logger).WithClock(clock),
		Authenticator: auth.NewAuthenticator(testServiceKey, st.Agents(), 300*time.Second).WithClock(clock),
		Limiter:       limiter,
		Store:         st,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &testServer{http: ts, store: st}
	h.signer, h.agent = h.registerAgent(t, "e2e agent")
	return h
}

// registerAgent creates a fresh keypair and registers it through the API.
func (h *testServer) registerAgent(t *testing.T, name string) (*crypto.Ed25519Signer, string) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatalf("failed to generate signer: %v", err)
	}
	resp := h.keyed(t, http.MethodPost, "/api/agents", map[string]any{
		"publicKey": signer.PublicKey(),
		"name":      name,
		"owner":     "owner-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 registering agent, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var agent contracts.Agent
	decodeInto(t, resp, &agent)
	return signer, agent.AgentID
}

// keyed sends a request authenticated with the service key.
func (h *testServer) keyed(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	req := h.newRequest(t, method, path, body)
	req.Header.Set(auth.HeaderServiceKey, testServiceKey)
	return h.do(t, req)
}

// plain sends a request with no credentials.
func (h *testServer) plain(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return h.do(t, h.newRequest(t, method, path, body))
}

// signed sends body with agent-signature headers computed over the exact
// request bytes under the harness agent's key.
func (h *testServer) signed(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	ts := strconv.FormatInt(testClock.Unix(), 10)
	sig, err := h.signer.Sign(auth.SignaturePayload(method, path, body, ts))
	if err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}
	req, err := http.NewRequest(method, h.http.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAgentID, h.agent)
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)
	return h.do(t, req)
}

func (h *testServer) newRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (h *testServer) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := h.http.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// buildEvent produces a correctly hashed and signed append body for the
// harness agent, returning the exact bytes to submit.
func (h *testServer) buildEvent(t *testing.T, eventType contracts.EventType, ts string, prevHash *string, payload map[string]any) []byte {
	t.Helper()
	preimage := canonical.EventPreimage(h.agent, eventType, ts, prevHash, payload, nil)
	data, err := canonical.Marshal(preimage)
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}
	sig, err := h.signer.Sign(data)
	if err != nil {
		t.Fatalf("failed to sign event: %v", err)
	}
	body, err := json.Marshal(&contracts.AppendRequest{
		AgentID:   h.agent,
		EventType: eventType,
		Timestamp: ts,
		PrevHash:  prevHash,
		Payload:   payload,
		Hash:      canonical.HashBytes(data),
		Signature: sig,
	})
	if err != nil {
		t.Fatalf("failed to encode append request: %v", err)
	}
	return body
}

// appendEvents admits n linked events through the API, one second apart.
func (h *testServer) appendEvents(t *testing.T, n int) []contracts.Event {
	t.Helper()
	events := make([]contracts.Event, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		ts := contracts.FormatTimestamp(testClock.Add(time.Duration(i) * time.Second))
		body := h.buildEvent(t, contracts.EventDecisionMade, ts, prev, map[string]any{"step": i})
		resp := h.signed(t, http.MethodPost, "/api/events", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201 appending event %d, got %d: %s", i, resp.StatusCode, readAll(t, resp))
		}
		var ev contracts.Event
		decodeInto(t, resp, &ev)
		events = append(events, ev)
		prev = &events[len(events)-1].Hash
	}
	return events
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func decodeProblem(t *testing.T, resp *http.Response) api.ProblemDetail {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem content type, got %q", ct)
	}
	var p api.ProblemDetail
	decodeInto(t, resp, &p)
	return p
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(data)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)

	resp := h.plain(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	decodeInto(t, resp, &out)
	if out.Status != "ok" || out.Database != "ok" {
		t.Errorf("expected ok/ok, got %+v", out)
	}
}

func TestRegisterAgent(t *testing.T) {
	h := newTestServer(t)

	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatalf("failed to generate signer: %v", err)
	}
	resp := h.keyed(t, http.MethodPost, "/api/agents", map[string]any{
		"publicKey": signer.PublicKey(),
		"name":      "second agent",
		"owner":     "owner-2",
		"metadata":  map[string]any{"team": "search"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var agent contracts.Agent
	decodeInto(t, resp, &agent)

	wantID, err := crypto.AgentIDFromPublicKey(signer.PublicKey())
	if err != nil {
		t.Fatalf("failed to derive agent id: %v", err)
	}
	if agent.AgentID != wantID {
		t.Errorf("expected agent id %s, got %s", wantID, agent.AgentID)
	}
	if agent.Status != contracts.AgentActive {
		t.Errorf("expected active status, got %s", agent.Status)
	}
	if agent.Metadata["team"] != "search" {
		t.Errorf("expected metadata to round-trip, got %v", agent.Metadata)
	}

	// Re-registering the same key conflicts.
	resp = h.keyed(t, http.MethodPost, "/api/agents", map[string]any{"publicKey": signer.PublicKey()})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on duplicate, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterAgentRequiresServiceKey(t *testing.T) {
	h := newTestServer(t)

	req := h.newRequest(t, http.MethodPost, "/api/agents", map[string]any{"publicKey": strings.Repeat("ab", 32)})
	req.Header.Set("X-Request-ID", "e2e-trace-1")
	resp := h.do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "e2e-trace-1" {
		t.Errorf("expected request id echoed in header, got %q", got)
	}

	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/unauthorized" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
	if p.Title != "Unauthorized" || p.Status != http.StatusUnauthorized {
		t.Errorf("unexpected problem %+v", p)
	}
	if p.Instance != "/api/agents" {
		t.Errorf("expected instance /api/agents, got %q", p.Instance)
	}
	if p.TraceID != "e2e-trace-1" {
		t.Errorf("expected traceId e2e-trace-1, got %q", p.TraceID)
	}

	// A wrong key is rejected the same way.
	req = h.newRequest(t, http.MethodPost, "/api/agents", map[string]any{"publicKey": strings.Repeat("ab", 32)})
	req.Header.Set(auth.HeaderServiceKey, "wrong-key")
	resp = h.do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong key, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterAgentValidation(t *testing.T) {
	h := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"short key", map[string]any{"publicKey": "abcd"}},
		{"non-hex key", map[string]any{"publicKey": strings.Repeat("zz", 32)}},
		{"missing key", map[string]any{"name": "nameless"}},
		{"unknown field", map[string]any{"publicKey": strings.Repeat("ab", 32), "role": "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.keyed(t, http.MethodPost, "/api/agents", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, readAll(t, resp))
			}
			p := decodeProblem(t, resp)
			if p.Type != "https://trust.wrenthe.ai/errors/validation" {
				t.Errorf("unexpected problem type %q", p.Type)
			}
		})
	}

	// Malformed JSON is a validation failure, not a 500.
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/api/agents", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set(auth.HeaderServiceKey, testServiceKey)
	resp := h.do(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentLifecycle(t *testing.T) {
	h := newTestServer(t)

	resp := h.plain(t, http.MethodGet, "/api/agents/"+h.agent, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var agent contracts.Agent
	decodeInto(t, resp, &agent)
	if agent.AgentID != h.agent {
		t.Errorf("expected agent %s, got %s", h.agent, agent.AgentID)
	}

	resp = h.plain(t, http.MethodGet, "/api/agents?status=active&owner=owner-1", nil)
	var list struct {
		Agents []*contracts.Agent `json:"agents"`
	}
	decodeInto(t, resp, &list)
	if len(list.Agents) != 1 {
		t.Fatalf("expected 1 active agent, got %d", len(list.Agents))
	}

	resp = h.keyed(t, http.MethodPost, "/api/agents/"+h.agent+"/revoke", map[string]any{"reason": "key leaked"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 revoking, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var revoked struct {
		Agent               *contracts.Agent `json:"agent"`
		RevokedCapabilities int64            `json:"revokedCapabilities"`
	}
	decodeInto(t, resp, &revoked)
	if revoked.Agent == nil || revoked.Agent.Status != contracts.AgentRevoked {
		t.Fatalf("expected revoked agent, got %+v", revoked.Agent)
	}
	if revoked.Agent.RevokedAt == nil {
		t.Error("expected revoked_at timestamp")
	}

	// Revoking twice conflicts.
	resp = h.keyed(t, http.MethodPost, "/api/agents/"+h.agent+"/revoke", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second revoke, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The revoked list now contains it.
	resp = h.plain(t, http.MethodGet, "/api/agents?status=revoked", nil)
	decodeInto(t, resp, &list)
	if len(list.Agents) != 1 || list.Agents[0].Status != contracts.AgentRevoked {
		t.Errorf("expected revoked agent in filtered list, got %+v", list.Agents)
	}

	resp = h.plain(t, http.MethodGet, "/api/agents/"+strings.Repeat("00", 32), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListAgentsEmpty(t *testing.T) {
	h := newTestServer(t)

	resp := h.plain(t, http.MethodGet, "/api/agents?owner=nobody", nil)
	body := readAll(t, resp)
	if !strings.Contains(body, `"agents":[]`) {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	h := newTestServer(t)
	events := h.appendEvents(t, 2)

	if events[0].ID != 1 || events[0].PrevHash != nil {
		t.Errorf("expected genesis event, got id=%d prev=%v", events[0].ID, events[0].PrevHash)
	}
	if events[1].PrevHash == nil || *events[1].PrevHash != events[0].Hash {
		t.Error("expected second event linked to first")
	}

	// Listing is newest first with a total count.
	resp := h.plain(t, http.MethodGet, "/api/events?agentId="+h.agent, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Events []*contracts.Event `json:"events"`
		Total  int64              `json:"total"`
	}
	decodeInto(t, resp, &list)
	if list.Total != 2 || len(list.Events) != 2 {
		t.Fatalf("expected 2 events, got total=%d len=%d", list.Total, len(list.Events))
	}
	if list.Events[0].ID != 2 {
		t.Errorf("expected newest first, got id %d", list.Events[0].ID)
	}

	resp = h.plain(t, http.MethodGet, "/api/events?eventType=decision_made&limit=1", nil)
	decodeInto(t, resp, &list)
	if list.Total != 2 || len(list.Events) != 1 {
		t.Errorf("expected total 2 with 1 page item, got total=%d len=%d", list.Total, len(list.Events))
	}

	resp = h.plain(t, http.MethodGet, fmt.Sprintf("/api/events/%d", events[0].ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got contracts.Event
	decodeInto(t, resp, &got)
	if got.Hash != events[0].Hash {
		t.Errorf("expected hash %s, got %s", events[0].Hash, got.Hash)
	}

	resp = h.plain(t, http.MethodGet, "/api/events/not-a-number", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.plain(t, http.MethodGet, "/api/events/999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing event, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.plain(t, http.MethodGet, "/api/events?since=yesterday", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAppendRequiresAgentSignature(t *testing.T) {
	h := newTestServer(t)
	ts := contracts.FormatTimestamp(testClock)
	body := h.buildEvent(t, contracts.EventDecisionMade, ts, nil, map[string]any{"step": 0})

	// No signature headers at all.
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/api/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp := h.do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without headers, got %d", resp.StatusCode)
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/unauthorized" {
		t.Errorf("unexpected problem type %q", p.Type)
	}

	// A signature over different bytes than the body.
	unix := strconv.FormatInt(testClock.Unix(), 10)
	sig, err := h.signer.Sign(auth.SignaturePayload(http.MethodPost, "/api/events", []byte("other"), unix))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	req, err = http.NewRequest(http.MethodPost, h.http.URL+"/api/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set(auth.HeaderAgentID, h.agent)
	req.Header.Set(auth.HeaderTimestamp, unix)
	req.Header.Set(auth.HeaderSignature, sig)
	resp = h.do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for mismatched signature, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAppendHashMismatch(t *testing.T) {
	h := newTestServer(t)

	ts := contracts.FormatTimestamp(testClock)
	var req contracts.AppendRequest
	if err := json.Unmarshal(h.buildEvent(t, contracts.EventDecisionMade, ts, nil, map[string]any{"step": 0}), &req); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	req.Hash = strings.Repeat("00", 32)
	body, err := json.Marshal(&req)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	resp := h.signed(t, http.MethodPost, "/api/events", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/hash_mismatch" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
	if p.Title != "Hash Mismatch" {
		t.Errorf("unexpected title %q", p.Title)
	}
}

func TestAppendForeignChainForbidden(t *testing.T) {
	h := newTestServer(t)
	_, otherID := h.registerAgent(t, "other agent")

	// The harness agent signs the request, but the body targets the other
	// agent's chain.
	ts := contracts.FormatTimestamp(testClock)
	preimage := canonical.EventPreimage(otherID, contracts.EventDecisionMade, ts, nil, map[string]any{"step": 0}, nil)
	data, err := canonical.Marshal(preimage)
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}
	sig, err := h.signer.Sign(data)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	body, err := json.Marshal(&contracts.AppendRequest{
		AgentID:   otherID,
		EventType: contracts.EventDecisionMade,
		Timestamp: ts,
		Payload:   map[string]any{"step": 0},
		Hash:      canonical.HashBytes(data),
		Signature: sig,
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	resp := h.signed(t, http.MethodPost, "/api/events", body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/forbidden" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
}

func TestLastHash(t *testing.T) {
	h := newTestServer(t)
	events := h.appendEvents(t, 1)

	resp := h.plain(t, http.MethodGet, "/api/events/last-hash/"+h.agent, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		AgentID  string  `json:"agentId"`
		LastHash *string `json:"lastHash"`
	}
	decodeInto(t, resp, &out)
	if out.LastHash == nil || *out.LastHash != events[0].Hash {
		t.Errorf("expected last hash %s, got %v", events[0].Hash, out.LastHash)
	}

	// An empty chain reports null, not an error.
	_, freshID := h.registerAgent(t, "fresh agent")
	resp = h.plain(t, http.MethodGet, "/api/events/last-hash/"+freshID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeInto(t, resp, &out)
	if out.LastHash != nil {
		t.Errorf("expected null last hash, got %v", *out.LastHash)
	}
}

func TestVerifyChain(t *testing.T) {
	h := newTestServer(t)
	h.appendEvents(t, 3)

	resp := h.plain(t, http.MethodPost, "/api/events/verify-chain", map[string]any{"agentId": h.agent})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report contracts.ChainReport
	decodeInto(t, resp, &report)
	if !report.Valid || report.TotalEvents != 3 {
		t.Errorf("expected valid chain of 3, got %+v", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("expected no errors, got %v", report.Errors)
	}

	resp = h.plain(t, http.MethodPost, "/api/events/verify-chain", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without agentId, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.plain(t, http.MethodPost, "/api/events/verify-chain", map[string]any{"agentId": strings.Repeat("00", 32)})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCapabilityFlow(t *testing.T) {
	h := newTestServer(t)
	expires := testClock.Add(time.Hour).Format(time.RFC3339)

	resp := h.keyed(t, http.MethodPost, "/api/capabilities", map[string]any{
		"agentId":   h.agent,
		"scope":     map[string]any{"tools:search": true},
		"issuedBy":  "operator",
		"expiresAt": expires,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var minted capability.MintResult
	decodeInto(t, resp, &minted)
	if minted.Token == "" || minted.Capability == nil {
		t.Fatalf("expected token and capability, got %+v", minted)
	}
	if minted.Capability.Status != contracts.CapabilityActive {
		t.Errorf("expected active capability, got %s", minted.Capability.Status)
	}

	// The bearer token validates and grants the scoped action.
	resp = h.plain(t, http.MethodPost, "/api/capabilities/validate", map[string]any{"token": minted.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var validated capability.ValidationResult
	decodeInto(t, resp, &validated)
	if !validated.Valid {
		t.Errorf("expected valid token, got %+v", validated)
	}

	resp = h.plain(t, http.MethodPost, "/api/capabilities/check-permission", map[string]any{
		"agentId": h.agent,
		"action":  "tools:search",
	})
	var decision capability.Decision
	decodeInto(t, resp, &decision)
	if !decision.Allowed {
		t.Errorf("expected tools:search allowed, got %+v", decision)
	}

	resp = h.plain(t, http.MethodPost, "/api/capabilities/check-permission", map[string]any{
		"agentId": h.agent,
		"action":  "payments:send",
	})
	decodeInto(t, resp, &decision)
	if decision.Allowed {
		t.Errorf("expected payments:send denied, got %+v", decision)
	}

	resp = h.plain(t, http.MethodGet, "/api/capabilities?agentId="+h.agent+"&activeOnly=true", nil)
	var list struct {
		Capabilities []*contracts.Capability `json:"capabilities"`
	}
	decodeInto(t, resp, &list)
	if len(list.Capabilities) != 1 {
		t.Fatalf("expected 1 active capability, got %d", len(list.Capabilities))
	}

	resp = h.keyed(t, http.MethodPost, "/api/capabilities/"+minted.Capability.ID+"/revoke", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 revoking, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var revoked contracts.Capability
	decodeInto(t, resp, &revoked)
	if revoked.Status != contracts.CapabilityRevoked {
		t.Errorf("expected revoked status, got %s", revoked.Status)
	}

	resp = h.keyed(t, http.MethodPost, "/api/capabilities/"+minted.Capability.ID+"/revoke", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second revoke, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The token no longer validates.
	resp = h.plain(t, http.MethodPost, "/api/capabilities/validate", map[string]any{"token": minted.Token})
	decodeInto(t, resp, &validated)
	if validated.Valid {
		t.Error("expected revoked token to be invalid")
	}
}

func TestMintCapabilityValidation(t *testing.T) {
	h := newTestServer(t)
	expires := testClock.Add(time.Hour).Format(time.RFC3339)

	resp := h.plain(t, http.MethodPost, "/api/capabilities", map[string]any{
		"agentId":   h.agent,
		"scope":     map[string]any{"tools:search": true},
		"issuedBy":  "operator",
		"expiresAt": expires,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without service key, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty scope", map[string]any{"agentId": h.agent, "scope": map[string]any{}, "issuedBy": "op", "expiresAt": expires}},
		{"bad expiry", map[string]any{"agentId": h.agent, "scope": map[string]any{"tools:search": true}, "issuedBy": "op", "expiresAt": "tomorrow"}},
		{"bad action", map[string]any{"agentId": h.agent, "scope": map[string]any{"search": true}, "issuedBy": "op", "expiresAt": expires}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.keyed(t, http.MethodPost, "/api/capabilities", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, readAll(t, resp))
			}
			resp.Body.Close()
		})
	}

	// Expiry in the past is rejected by the engine.
	resp = h.keyed(t, http.MethodPost, "/api/capabilities", map[string]any{
		"agentId":   h.agent,
		"scope":     map[string]any{"tools:search": true},
		"issuedBy":  "op",
		"expiresAt": testClock.Add(-time.Hour).Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for past expiry, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOutcomesAndReputation(t *testing.T) {
	h := newTestServer(t)

	resp := h.keyed(t, http.MethodPost, "/api/outcomes", map[string]any{
		"agentId":     h.agent,
		"outcomeType": "success",
		"reporter":    "grader",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var rep contracts.Reputation
	decodeInto(t, resp, &rep)
	if rep.OverallScore != 50.5 {
		t.Errorf("expected score 50.5 after one success, got %v", rep.OverallScore)
	}
	if rep.TotalActions != 1 || rep.SuccessRate != 1 {
		t.Errorf("unexpected aggregates %+v", rep)
	}

	resp = h.plain(t, http.MethodGet, "/api/reputation/"+h.agent, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeInto(t, resp, &rep)
	if rep.AgentID != h.agent {
		t.Errorf("expected reputation for %s, got %s", h.agent, rep.AgentID)
	}

	resp = h.plain(t, http.MethodGet, "/api/reputation", nil)
	var list struct {
		Reputation []*contracts.Reputation `json:"reputation"`
	}
	decodeInto(t, resp, &list)
	if len(list.Reputation) != 1 {
		t.Errorf("expected 1 reputation row, got %d", len(list.Reputation))
	}

	resp = h.keyed(t, http.MethodPost, "/api/reputation/"+h.agent+"/domain", map[string]any{
		"domain": "search",
		"score":  0.9,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	decodeInto(t, resp, &rep)
	if rep.Breakdown["search"] != 0.9 {
		t.Errorf("expected domain score 0.9, got %v", rep.Breakdown)
	}

	resp = h.plain(t, http.MethodGet, "/api/reputation/"+h.agent+"/should-downgrade", nil)
	var down struct {
		Downgrade bool   `json:"downgrade"`
		Reason    string `json:"reason"`
	}
	decodeInto(t, resp, &down)
	if down.Downgrade {
		t.Errorf("expected no downgrade for healthy agent, got %+v", down)
	}

	// Schema bounds on impactScore.
	resp = h.keyed(t, http.MethodPost, "/api/outcomes", map[string]any{
		"agentId":     h.agent,
		"outcomeType": "success",
		"reporter":    "grader",
		"impactScore": 2.0,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range impact, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown outcome types are rejected by the engine.
	resp = h.keyed(t, http.MethodPost, "/api/outcomes", map[string]any{
		"agentId":     h.agent,
		"outcomeType": "mixed",
		"reporter":    "grader",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown outcome type, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExportEvidence(t *testing.T) {
	h := newTestServer(t)
	h.appendEvents(t, 2)

	resp := h.keyed(t, http.MethodPost, "/api/agents/"+h.agent+"/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var out ledger.ExportResult
	decodeInto(t, resp, &out)
	if out.TotalEvents != 2 || !out.Valid {
		t.Errorf("expected valid bundle of 2 events, got %+v", out)
	}
	if out.Checksum == "" || !strings.Contains(out.Ref, out.Checksum) {
		t.Errorf("expected content-addressed ref, got %+v", out)
	}

	resp = h.plain(t, http.MethodPost, "/api/agents/"+h.agent+"/export", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without service key, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRateLimitExceeded(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(2, time.Minute)
	defer limiter.Close()
	h := newTestServerWithLimiter(t, limiter)

	for i := 0; i < 2; i++ {
		resp := h.plain(t, http.MethodGet, "/api/health", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected request %d to pass, got %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := h.plain(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/rate_limited" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
	if p.RetryAfter < 1 {
		t.Errorf("expected retryAfter >= 1, got %d", p.RetryAfter)
	}

	// Another identity is unaffected.
	req := h.newRequest(t, http.MethodGet, "/api/health", nil)
	req.Header.Set(auth.HeaderAgentID, "someone-else")
	resp = h.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected other identity to pass, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(t)

	resp := h.plain(t, http.MethodGet, "/api/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/not_found" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t)

	resp := h.plain(t, http.MethodDelete, "/api/agents", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	p := decodeProblem(t, resp)
	if p.Status != http.StatusMethodNotAllowed {
		t.Errorf("unexpected problem %+v", p)
	}

	resp = h.plain(t, http.MethodDelete, "/api/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 on health, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOversizedBodyRejected(t *testing.T) {
	h := newTestServer(t)

	big := bytes.Repeat([]byte("a"), 1<<20+1)
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/api/agents", bytes.NewReader(big))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set(auth.HeaderServiceKey, testServiceKey)
	resp := h.do(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", resp.StatusCode)
	}
	p := decodeProblem(t, resp)
	if p.Type != "https://trust.wrenthe.ai/errors/validation" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
}
