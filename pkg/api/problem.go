// Package api serves the HTTP surface: routing, request validation, auth
// enforcement, and RFC 7807 problem responses over the domain services.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request's X-Request-ID.
	TraceID string `json:"traceId,omitempty"`
	// RetryAfter is set on 429 responses, in seconds.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// statusForKind maps the error taxonomy onto HTTP statuses.
func statusForKind(kind contracts.Kind) int {
	switch kind {
	case contracts.KindValidation, contracts.KindChainBroken, contracts.KindHashMismatch:
		return http.StatusBadRequest
	case contracts.KindUnauthorized, contracts.KindSignatureInvalid:
		return http.StatusUnauthorized
	case contracts.KindForbidden:
		return http.StatusForbidden
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindConflict, contracts.KindDuplicateEvent:
		return http.StatusConflict
	case contracts.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func titleForKind(kind contracts.Kind) string {
	switch kind {
	case contracts.KindValidation:
		return "Validation Failed"
	case contracts.KindUnauthorized:
		return "Unauthorized"
	case contracts.KindForbidden:
		return "Forbidden"
	case contracts.KindNotFound:
		return "Not Found"
	case contracts.KindConflict:
		return "Conflict"
	case contracts.KindChainBroken:
		return "Chain Broken"
	case contracts.KindHashMismatch:
		return "Hash Mismatch"
	case contracts.KindSignatureInvalid:
		return "Signature Invalid"
	case contracts.KindDuplicateEvent:
		return "Duplicate Event"
	case contracts.KindRateLimited:
		return "Too Many Requests"
	default:
		return "Internal Server Error"
	}
}

func problemType(slug string) string {
	return "https://trust.wrenthe.ai/errors/" + slug
}

// WriteProblem maps a service error onto a problem document. Untagged and
// INTERNAL causes are logged; the client only ever sees the taxonomy
// message.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	kind := contracts.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err, "method", r.Method, "path", r.URL.Path)
	}
	writeProblemDetail(w, r, &ProblemDetail{
		Type:   problemType(strings.ToLower(string(kind))),
		Title:  titleForKind(kind),
		Status: status,
		Detail: contracts.MessageOf(err),
	})
}

// WriteRateLimited writes the 429 problem with a Retry-After header and the
// retryAfter extension field.
func WriteRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeProblemDetail(w, r, &ProblemDetail{
		Type:       problemType("rate_limited"),
		Title:      titleForKind(contracts.KindRateLimited),
		Status:     http.StatusTooManyRequests,
		Detail:     "rate limit exceeded, retry after the indicated interval",
		RetryAfter: secs,
	})
}

// WriteMethodNotAllowed writes a 405 problem.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeProblemDetail(w, r, &ProblemDetail{
		Type:   problemType("method_not_allowed"),
		Title:  "Method Not Allowed",
		Status: http.StatusMethodNotAllowed,
		Detail: "the HTTP method is not supported for this endpoint",
	})
}

func writeProblemDetail(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON writes a success response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
