// Package edge implements the gateway's Edge HTTP Surface: the externally
// reachable listener a client connects to, exposing the JSON-RPC tool
// endpoint, an OpenAI-compatible LLM surface, and client-credentials token
// issuance, all behind bearer-client-secret authentication (§4.10).
//
// It is grounded on an api/handlers-style package — the JSON envelope,
// status-code mapping, and body-decoding helpers below follow
// api/handlers/common.go closely — but consolidated into one package since
// this gateway has no separate top-level api package for Response/ErrorInfo
// to live in.
package edge

import (
	"encoding/json"
	"net/http"

	"github.com/localrouter/gateway/types"
)

// Response is the envelope every edge JSON endpoint replies with, success or
// failure, matching an api.Response shape.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error half of Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a 200 Response wrapping data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// WriteError writes a Response built from a *types.Error, using its
// HTTPStatus when set and mapErrorCodeToHTTPStatus otherwise.
func WriteError(w http.ResponseWriter, err error) {
	if terr, ok := err.(*types.Error); ok {
		status := terr.HTTPStatus
		if status == 0 {
			status = mapErrorCodeToHTTPStatus(terr.Code)
		}
		WriteJSON(w, status, Response{Success: false, Error: &ErrorInfo{Code: string(terr.Code), Message: terr.Message}})
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, string(types.ErrInternalError), err.Error())
}

// WriteErrorMessage writes a Response for an error that never became a
// *types.Error (decode failures, bad input, auth rejections).
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}})
}

// mapErrorCodeToHTTPStatus mirrors an api/handlers-style switch, walked
// against this gateway's types.ErrorCode taxonomy (LLM codes, agent codes,
// and the gateway-specific additions in types/error.go).
func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrToolValidation, types.ErrContextTooLong, types.ErrContextOverflow:
		return http.StatusBadRequest
	case types.ErrAuthentication, types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden, types.ErrGuardrailsViolated, types.ErrContentFiltered:
		return http.StatusForbidden
	case types.ErrNotFound, types.ErrModelNotFound:
		return http.StatusNotFound
	case types.ErrRateLimit, types.ErrRateLimited, types.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case types.ErrTimeout, types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCancelled:
		return 499
	case types.ErrModelOverloaded, types.ErrServiceUnavailable, types.ErrProviderUnavailable, types.ErrRoutingUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError, types.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const maxBodyBytes = 1 << 20 // 1MB, a conventional DecodeJSONBody limit

// DecodeJSONBody decodes r.Body into v, capping body size and rejecting
// unknown fields, a strict decode discipline.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ValidateContentType rejects requests whose Content-Type isn't JSON.
func ValidateContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "" || ct == "application/json" || len(ct) >= 16 && ct[:16] == "application/json"
}

// ResponseWriter wraps http.ResponseWriter to capture the status code
// actually written, for access logging and metrics middleware.
type ResponseWriter struct {
	http.ResponseWriter
	Status int
}

// NewResponseWriter wraps w, defaulting Status to 200 per net/http's own
// implicit-200-on-first-Write behavior.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, Status: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(status int) {
	rw.Status = status
	rw.ResponseWriter.WriteHeader(status)
}
