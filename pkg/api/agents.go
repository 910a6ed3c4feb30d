package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wrentheai/trust-infra/pkg/audit"
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

type registerAgentRequest struct {
	PublicKey string         `json:"publicKey"`
	Name      string         `json:"name"`
	Owner     string         `json:"owner"`
	Metadata  map[string]any `json:"metadata"`
}

type revokeAgentRequest struct {
	Reason string `json:"reason"`
}

type revokeAgentResponse struct {
	Agent               *contracts.Agent `json:"agent"`
	RevokedCapabilities int64            `json:"revokedCapabilities"`
}

type agentsResponse struct {
	Agents []*contracts.Agent `json:"agents"`
}

// handleAgentsRouter dispatches /api/agents and its subroutes.
func (s *Server) handleAgentsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodPost:
			s.requireServiceKey(s.handleRegisterAgent)(w, r)
		case http.MethodGet:
			s.handleListAgents(w, r)
		default:
			WriteMethodNotAllowed(w, r)
		}
	case strings.HasSuffix(path, "/revoke"):
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.requireServiceKey(s.handleRevokeAgent)(w, r)
	case strings.HasSuffix(path, "/export"):
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.requireServiceKey(s.handleExportAgent)(w, r)
	default:
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleGetAgent(w, r)
	}
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req registerAgentRequest
	if err := validateBody(s.schemas.registerAgent, body, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	agent, err := s.registry.Register(r.Context(), req.PublicKey, req.Name, req.Owner, req.Metadata)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "agent.register", "agents/"+agent.AgentID,
		map[string]any{"owner": agent.Owner})
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.registry.List(r.Context(), contracts.AgentStatus(q.Get("status")), q.Get("owner"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if agents == nil {
		agents = []*contracts.Agent{}
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(r.Context(), pathSegment(r.URL.Path, "/api/agents"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := pathSegment(r.URL.Path, "/api/agents")
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req revokeAgentRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "request body is not valid JSON"))
			return
		}
	}
	agent, revoked, err := s.registry.Revoke(r.Context(), agentID, req.Reason)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "agent.revoke", "agents/"+agentID,
		map[string]any{"reason": req.Reason, "revoked_capabilities": revoked})
	writeJSON(w, http.StatusOK, revokeAgentResponse{Agent: agent, RevokedCapabilities: revoked})
}

func (s *Server) handleExportAgent(w http.ResponseWriter, r *http.Request) {
	agentID := pathSegment(r.URL.Path, "/api/agents")
	ctx, done := s.obs.TrackOperation(r.Context(), "ledger.export")
	result, err := s.exporter.Export(ctx, agentID)
	done(err)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "evidence.export", "agents/"+agentID,
		map[string]any{"ref": result.Ref, "total_events": result.TotalEvents})
	writeJSON(w, http.StatusOK, result)
}
