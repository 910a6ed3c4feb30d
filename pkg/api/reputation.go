package api

import (
	"net/http"
	"strings"

	"github.com/wrentheai/trust-infra/pkg/audit"
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

type recordOutcomeRequest struct {
	AgentID     string         `json:"agentId"`
	EventID     *int64         `json:"eventId"`
	OutcomeType string         `json:"outcomeType"`
	Reporter    string         `json:"reporter"`
	ImpactScore *float64       `json:"impactScore"`
	Details     map[string]any `json:"details"`
}

type domainScoreRequest struct {
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

type reputationListResponse struct {
	Reputation []*contracts.Reputation `json:"reputation"`
}

type downgradeResponse struct {
	Downgrade bool   `json:"downgrade"`
	Reason    string `json:"reason,omitempty"`
}

// handleReputationRouter dispatches /api/reputation and its subroutes.
func (s *Server) handleReputationRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/reputation")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "":
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleListReputation(w, r)
	case strings.HasSuffix(path, "/domain"):
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.requireServiceKey(s.handleDomainScore)(w, r)
	case strings.HasSuffix(path, "/should-downgrade"):
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleShouldDowngrade(w, r)
	default:
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleGetReputation(w, r)
	}
}

func (s *Server) handleListReputation(w http.ResponseWriter, r *http.Request) {
	reps, err := s.reputation.List(r.Context())
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if reps == nil {
		reps = []*contracts.Reputation{}
	}
	writeJSON(w, http.StatusOK, reputationListResponse{Reputation: reps})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reputation.Get(r.Context(), pathSegment(r.URL.Path, "/api/reputation"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDomainScore(w http.ResponseWriter, r *http.Request) {
	agentID := pathSegment(r.URL.Path, "/api/reputation")
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req domainScoreRequest
	if err := validateBody(s.schemas.domainScore, body, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	rep, err := s.reputation.UpdateDomainScore(r.Context(), agentID, req.Domain, req.Score)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "reputation.domain_update", "agents/"+agentID,
		map[string]any{"domain": req.Domain, "score": req.Score})
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleShouldDowngrade(w http.ResponseWriter, r *http.Request) {
	agentID := pathSegment(r.URL.Path, "/api/reputation")
	downgrade, reason, err := s.reputation.ShouldDowngrade(r.Context(), agentID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downgradeResponse{Downgrade: downgrade, Reason: reason})
}

// handleOutcomes serves POST /api/outcomes.
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	s.requireServiceKey(s.handleRecordOutcome)(w, r)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req recordOutcomeRequest
	if err := validateBody(s.schemas.recordOutcome, body, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	rep, err := s.reputation.RecordOutcome(r.Context(), req.AgentID, req.EventID,
		contracts.OutcomeType(req.OutcomeType), req.Reporter, req.ImpactScore, req.Details)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "outcome.record", "agents/"+req.AgentID,
		map[string]any{"outcome_type": req.OutcomeType, "reporter": req.Reporter})
	writeJSON(w, http.StatusCreated, rep)
}
