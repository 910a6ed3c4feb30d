package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/auth"
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

type eventsResponse struct {
	Events []*contracts.Event `json:"events"`
	Total  int64              `json:"total"`
}

type lastHashResponse struct {
	AgentID  string  `json:"agentId"`
	LastHash *string `json:"lastHash"`
}

type verifyChainRequest struct {
	AgentID string `json:"agentId"`
}

// handleEventsRouter dispatches /api/events and its subroutes.
func (s *Server) handleEventsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/events")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodPost:
			s.requireAgentSignature(s.handleAppendEvent)(w, r)
		case http.MethodGet:
			s.handleListEvents(w, r)
		default:
			WriteMethodNotAllowed(w, r)
		}
	case path == "/verify-chain":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleVerifyChain(w, r)
	case strings.HasPrefix(path, "/last-hash/"):
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleLastHash(w, r, strings.TrimPrefix(path, "/last-hash/"))
	default:
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleGetEvent(w, r)
	}
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req contracts.AppendRequest
	if err := validateBody(s.schemas.appendEvent, body, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}

	// The signing agent may only append to its own chain.
	if p, perr := auth.GetPrincipal(r.Context()); perr == nil && p.ID() != req.AgentID {
		WriteProblem(w, r, contracts.NewError(contracts.KindForbidden,
			"event agent_id does not match the authenticated agent"))
		return
	}

	ctx, done := s.obs.TrackOperation(r.Context(), "ledger.append")
	event, err := s.ledger.Append(ctx, &req)
	done(err)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilterFromQuery(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	events, total, err := s.ledger.List(r.Context(), f)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if events == nil {
		events = []*contracts.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Total: total})
}

// eventFilterFromQuery parses the list filters: limit defaults to 100 and
// caps at 1000.
func eventFilterFromQuery(r *http.Request) (contracts.EventFilter, error) {
	q := r.URL.Query()
	f := contracts.EventFilter{
		AgentID:       q.Get("agentId"),
		EventType:     contracts.EventType(q.Get("eventType")),
		CorrelationID: q.Get("correlationId"),
		Limit:         100,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, contracts.NewError(contracts.KindValidation, "since must be an RFC 3339 timestamp")
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, contracts.NewError(contracts.KindValidation, "until must be an RFC 3339 timestamp")
		}
		f.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, contracts.NewError(contracts.KindValidation, "limit must be a positive integer")
		}
		if n > 1000 {
			n = 1000
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, contracts.NewError(contracts.KindValidation, "offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	raw := pathSegment(r.URL.Path, "/api/events")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "event id must be numeric"))
		return
	}
	event, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleLastHash(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		writeRouteNotFound(w, r)
		return
	}
	hash, err := s.ledger.LastHash(r.Context(), agentID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lastHashResponse{AgentID: agentID, LastHash: hash})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req verifyChainRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "request body is not valid JSON"))
		return
	}
	if req.AgentID == "" {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "agentId is required"))
		return
	}
	ctx, done := s.obs.TrackOperation(r.Context(), "ledger.verify_chain")
	report, err := s.ledger.VerifyChain(ctx, req.AgentID)
	done(err)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
