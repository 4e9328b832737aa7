// Package api is the HTTP integration layer of the auth gateway.
//
// Purpose:
//   Adapt net/http requests to the authority engine, persist sessions behind a
//   cookie, and render verdicts as redirects or JSON error bodies.
//
// Error Codes:
//   Error codes are stable strings derived from the verdict reason. Each
//   error body also carries the numeric verdict code, which is the HTTP status.
//
package api

import (
	"encoding/json"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
)

// Error codes returned in error_code.
const (
	ErrCodeInvalidApplication    = "INVALID_APPLICATION"
	ErrCodeInvalidIdentifier     = "INVALID_IDENTIFIER"
	ErrCodeInvalidChannel        = "INVALID_CHANNEL"
	ErrCodeChannelUnavailable    = "CHANNEL_UNAVAILABLE"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeUnionRequired         = "UNION_REQUIRED"
	ErrCodeInvalidGrant          = "INVALID_GRANT"
	ErrCodeInsufficientAuthority = "INSUFFICIENT_AUTHORITY"
	ErrCodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	ErrCodeNotAcceptable         = "NOT_ACCEPTABLE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeUpstreamUnavailable   = "UPSTREAM_UNAVAILABLE"
)

// ErrorResponse is the JSON body written for every non-OK verdict.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorCodeFor maps a verdict reason to its error code.
func ErrorCodeFor(reason authority.Reason) string {
	switch reason {
	case authority.ReasonInvalidApp, authority.ReasonInvalidPool:
		return ErrCodeInvalidApplication
	case authority.ReasonInvalidIdentifier:
		return ErrCodeInvalidIdentifier
	case authority.ReasonInvalidChannel:
		return ErrCodeInvalidChannel
	case authority.ReasonChannelDisabled:
		return ErrCodeChannelUnavailable
	case authority.ReasonUnauthorized:
		return ErrCodeUnauthorized
	case authority.ReasonUnionRequired:
		return ErrCodeUnionRequired
	case authority.ReasonInvalidGrant, authority.ReasonGrantDisabled:
		return ErrCodeInvalidGrant
	case authority.ReasonInsufficient:
		return ErrCodeInsufficientAuthority
	case authority.ReasonAjaxNotAllowed, authority.ReasonMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case authority.ReasonNotAcceptable:
		return ErrCodeNotAcceptable
	default:
		return ErrCodeInternalError
	}
}

// WriteVerdict renders a verdict: redirects are issued as such, OK verdicts
// get an empty JSON success body and everything else an ErrorResponse.
func WriteVerdict(w http.ResponseWriter, r *http.Request, v authority.Verdict, logger *zap.Logger) {
	if v.IsRedirect() {
		http.Redirect(w, r, v.Location, v.Code)
		return
	}
	if v.Code == http.StatusOK {
		writeJSON(w, http.StatusOK, map[string]any{"code": v.Code, "status": v.Status, "msg": v.Message}, logger)
		return
	}
	body := newErrorResponse(r, v.Code, v.Status, v.Message, ErrorCodeFor(v.Reason))
	body.Data = v.Data
	if v.ContentType == authority.ContentHTML && prefersHTML(r) {
		writeHTML(w, body)
		return
	}
	writeJSON(w, v.Code, body, logger)
}

// WriteError writes an ErrorResponse outside of the engine.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message, code string, logger *zap.Logger) {
	writeJSON(w, status, newErrorResponse(r, status, http.StatusText(status), message, code), logger)
}

func newErrorResponse(r *http.Request, code int, status, message, errorCode string) *ErrorResponse {
	resp := &ErrorResponse{
		Code:      code,
		Status:    status,
		Error:     message,
		ErrorCode: errorCode,
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
		resp.TraceID = span.SpanContext().TraceID().String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

func writeHTML(w http.ResponseWriter, body *ErrorResponse) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(body.Code)
	_, _ = w.Write([]byte("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>" +
		html.EscapeString(body.Status) + "</title></head><body><h1>" +
		html.EscapeString(body.Status) + "</h1><p>" +
		html.EscapeString(body.Error) + "</p></body></html>"))
}

func prefersHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
