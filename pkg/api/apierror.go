// Package api serves the governance plane over HTTP. Errors are RFC 7807
// problem details extended with the plane's failure code.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
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
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Code is the governance failure code, when one applies.
	Code contracts.Code `json:"code,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int, code contracts.Code) string {
	if code != "" {
		return "urn:authority:problem:" + string(code)
	}
	return fmt.Sprintf("urn:authority:problem:%d", status)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, ""),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(HeaderRequestID),
	})
}

// StatusFor maps a failure code to its HTTP status.
func StatusFor(code contracts.Code) int {
	switch code {
	case contracts.CodeReplayAlreadyTerminal, contracts.CodeInvalidTransition, contracts.CodeVersionNotMonotonic:
		return http.StatusConflict
	case contracts.CodeSchemaViolation:
		return http.StatusUnprocessableEntity
	}
	switch code.Class() {
	case contracts.ClassNotFound:
		return http.StatusNotFound
	case contracts.ClassDenial:
		return http.StatusForbidden
	case contracts.ClassIntegrity:
		return http.StatusConflict
	case contracts.ClassConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// WriteContractError writes err as a problem detail. Errors without a
// failure code are internal and never exposed.
func WriteContractError(w http.ResponseWriter, r *http.Request, err error) {
	code := contracts.CodeOf(err)
	if code == "" {
		WriteInternal(w, err)
		return
	}
	status := StatusFor(code)
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, code),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(HeaderRequestID),
		Code:     code,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
