package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/audit"
	"github.com/wrentheai/trust-infra/pkg/auth"
	"github.com/wrentheai/trust-infra/pkg/capability"
	"github.com/wrentheai/trust-infra/pkg/contracts"
	"github.com/wrentheai/trust-infra/pkg/ledger"
	"github.com/wrentheai/trust-infra/pkg/observability"
	"github.com/wrentheai/trust-infra/pkg/ratelimit"
	"github.com/wrentheai/trust-infra/pkg/registry"
	"github.com/wrentheai/trust-infra/pkg/reputation"
	"github.com/wrentheai/trust-infra/pkg/store"
)

// Options wires the domain services into the HTTP server.
type Options struct {
	Registry      *registry.Service
	Ledger        *ledger.Service
	Exporter      *ledger.Exporter
	Capabilities  *capability.Engine
	Reputation    *reputation.Engine
	Authenticator *auth.Authenticator
	Limiter       ratelimit.Limiter // nil disables rate limiting
	Audit         audit.Logger      // nil disables the audit trail
	Observability *observability.Provider
	Store         store.Store // health ping
	Logger        *slog.Logger
	CORSOrigins   []string
}

// Server routes HTTP requests onto the domain services.
type Server struct {
	registry     *registry.Service
	ledger       *ledger.Service
	exporter     *ledger.Exporter
	capabilities *capability.Engine
	reputation   *reputation.Engine
	authn        *auth.Authenticator
	limiter      ratelimit.Limiter
	audit        audit.Logger
	obs          *observability.Provider
	store        store.Store
	logger       *slog.Logger
	cors         []string
	schemas      *bodySchemas
}

// NewServer compiles the request schemas and builds the server.
func NewServer(opts Options) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	aud := opts.Audit
	if aud == nil {
		aud = audit.Nop()
	}
	obs := opts.Observability
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return &Server{
		registry:     opts.Registry,
		ledger:       opts.Ledger,
		exporter:     opts.Exporter,
		capabilities: opts.Capabilities,
		reputation:   opts.Reputation,
		authn:        opts.Authenticator,
		limiter:      opts.Limiter,
		audit:        aud,
		obs:          obs,
		store:        opts.Store,
		logger:       logger.With("component", "api"),
		cors:         opts.CORSOrigins,
		schemas:      schemas,
	}, nil
}

// Handler assembles the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/agents", s.handleAgentsRouter)
	mux.HandleFunc("/api/agents/", s.handleAgentsRouter)
	mux.HandleFunc("/api/events", s.handleEventsRouter)
	mux.HandleFunc("/api/events/", s.handleEventsRouter)
	mux.HandleFunc("/api/capabilities", s.handleCapabilitiesRouter)
	mux.HandleFunc("/api/capabilities/", s.handleCapabilitiesRouter)
	mux.HandleFunc("/api/reputation", s.handleReputationRouter)
	mux.HandleFunc("/api/reputation/", s.handleReputationRouter)
	mux.HandleFunc("/api/outcomes", s.handleOutcomes)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/", writeRouteNotFound)

	var handler http.Handler = mux
	handler = MaxBytesMiddleware(handler)
	handler = RateLimitMiddleware(s.limiter)(handler)
	handler = s.obs.Middleware(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = auth.CORSMiddleware(s.cors)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

// NewHTTPServer wraps the handler in an http.Server with production
// timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// requireServiceKey guards operator endpoints.
func (s *Server) requireServiceKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authn.VerifyServiceKey(r.Header.Get(auth.HeaderServiceKey)); err != nil {
			WriteProblem(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), auth.ServicePrincipal{})
		next(w, r.WithContext(ctx))
	}
}

// requireAgentSignature guards the event append endpoint. The exact body
// bytes feed signature verification and are restored for the handler.
func (s *Server) requireAgentSignature(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			WriteProblem(w, r, err)
			return
		}
		agent, err := s.authn.VerifyAgentSignature(r.Context(),
			r.Header.Get(auth.HeaderAgentID),
			r.Header.Get(auth.HeaderTimestamp),
			r.Header.Get(auth.HeaderSignature),
			r.Method, r.URL.Path, body)
		if err != nil {
			WriteProblem(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), auth.AgentPrincipal{Agent: agent})
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r.WithContext(ctx))
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp = healthResponse{Status: "degraded", Database: "unreachable"}
		status = http.StatusServiceUnavailable
		s.logger.ErrorContext(r.Context(), "health ping failed", "error", err)
	}
	writeJSON(w, status, resp)
}

// pathSegment returns the first path segment after prefix, "" when absent.
func pathSegment(path, prefix string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path {
		return ""
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	if idx := strings.Index(trimmed, "/"); idx != -1 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func writeRouteNotFound(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, contracts.NewError(contracts.KindNotFound, "unknown endpoint"))
}
