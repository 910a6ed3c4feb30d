package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/audit"
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

type mintCapabilityRequest struct {
	AgentID   string         `json:"agentId"`
	Scope     map[string]any `json:"scope"`
	IssuedBy  string         `json:"issuedBy"`
	ExpiresAt string         `json:"expiresAt"`
}

type validateCapabilityRequest struct {
	Token string `json:"token"`
}

type checkPermissionRequest struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
}

type capabilitiesResponse struct {
	Capabilities []*contracts.Capability `json:"capabilities"`
}

// handleCapabilitiesRouter dispatches /api/capabilities and its subroutes.
func (s *Server) handleCapabilitiesRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/capabilities")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodPost:
			s.requireServiceKey(s.handleMintCapability)(w, r)
		case http.MethodGet:
			s.handleListCapabilities(w, r)
		default:
			WriteMethodNotAllowed(w, r)
		}
	case path == "/validate":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleValidateCapability(w, r)
	case path == "/check-permission":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.handleCheckPermission(w, r)
	case strings.HasSuffix(path, "/revoke"):
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w, r)
			return
		}
		s.requireServiceKey(s.handleRevokeCapability)(w, r)
	default:
		writeRouteNotFound(w, r)
	}
}

func (s *Server) handleMintCapability(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req mintCapabilityRequest
	if err := validateBody(s.schemas.mintCapability, body, &req); err != nil {
		WriteProblem(w, r, err)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, req.ExpiresAt)
	if err != nil {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "expiresAt must be an RFC 3339 timestamp"))
		return
	}
	result, err := s.capabilities.Mint(r.Context(), req.AgentID, contracts.Scope(req.Scope), req.IssuedBy, expiresAt)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "capability.mint", "capabilities/"+result.Capability.ID,
		map[string]any{"agent_id": req.AgentID, "issued_by": req.IssuedBy})
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleValidateCapability(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req validateCapabilityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "request body is not valid JSON"))
		return
	}
	if req.Token == "" {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "token is required"))
		return
	}
	result, err := s.capabilities.Validate(r.Context(), req.Token)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	var req checkPermissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "request body is not valid JSON"))
		return
	}
	if req.AgentID == "" || req.Action == "" {
		WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "agentId and action are required"))
		return
	}
	decision, err := s.capabilities.CheckPermission(r.Context(), req.AgentID, req.Action)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := false
	if v := q.Get("activeOnly"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, contracts.NewError(contracts.KindValidation, "activeOnly must be a boolean"))
			return
		}
		activeOnly = b
	}
	caps, err := s.capabilities.List(r.Context(), q.Get("agentId"), activeOnly)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	if caps == nil {
		caps = []*contracts.Capability{}
	}
	writeJSON(w, http.StatusOK, capabilitiesResponse{Capabilities: caps})
}

func (s *Server) handleRevokeCapability(w http.ResponseWriter, r *http.Request) {
	id := pathSegment(r.URL.Path, "/api/capabilities")
	revoked, err := s.capabilities.Revoke(r.Context(), id)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventMutation, "capability.revoke", "capabilities/"+id,
		map[string]any{"agent_id": revoked.AgentID})
	writeJSON(w, http.StatusOK, revoked)
}
