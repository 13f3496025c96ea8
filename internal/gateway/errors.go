package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/routecodex/routecodex/internal/routeerr"
)

// envelope is the client-visible error shape.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	ProviderID   string `json:"providerId,omitempty"`
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// taxonomy maps a classified error to its surface-visible kind and HTTP
// status. Cancelled is handled separately by the caller since it
// carries no response body.
func taxonomy(err error) (status int, kind string) {
	rcErr, ok := routeerr.As(err)
	if !ok {
		return http.StatusInternalServerError, "ConfigError"
	}

	switch rcErr.Code {
	case routeerr.CodeNoEligible:
		return http.StatusServiceUnavailable, "RouteUnavailable"
	case routeerr.CodeBadRequest:
		return http.StatusBadRequest, "BadRequest"
	case routeerr.CodeAuthFailure:
		return http.StatusUnauthorized, "AuthFailure"
	case routeerr.CodeConfigError, routeerr.CodeMissingCredential:
		return http.StatusInternalServerError, "ConfigError"
	case routeerr.CodeStreamTruncated:
		return http.StatusOK, "StreamTruncated" // only ever reached via the SSE frame path
	case routeerr.CodeUpstreamRateLimit:
		return http.StatusTooManyRequests, "UpstreamRateLimited"
	case routeerr.CodeUpstreamDown:
		return http.StatusBadGateway, "UpstreamUnavailable"
	case routeerr.CodeFailoverExhausted:
		return taxonomyFromCause(rcErr)
	default:
		return http.StatusInternalServerError, "ConfigError"
	}
}

// taxonomyFromCause classifies an exhausted failover by the series of
// the last attempt's error, distinguishing UpstreamRateLimited from
// UpstreamUnavailable.
func taxonomyFromCause(rcErr *routeerr.Error) (int, string) {
	cause, ok := routeerr.As(rcErr.Cause)
	if !ok {
		return http.StatusServiceUnavailable, "RouteUnavailable"
	}
	switch cause.Series {
	case routeerr.Series429:
		return http.StatusTooManyRequests, "UpstreamRateLimited"
	case routeerr.Series5XX, routeerr.SeriesNet:
		return http.StatusBadGateway, "UpstreamUnavailable"
	default:
		return http.StatusServiceUnavailable, "RouteUnavailable"
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func writeErrorEnvelope(w http.ResponseWriter, requestID string, err error) {
	if isCancelled(err) {
		// client disconnected before a response was ready; nothing to write.
		return
	}

	status, kind := taxonomy(err)
	rcErr, _ := routeerr.As(err)

	body := envelope{Error: envelopeBody{Type: kind, Message: err.Error()}}
	if rcErr != nil {
		body.Error.Code = string(rcErr.Code)
		body.Error.ProviderID = rcErr.ProviderKey
		if ms, ok := rcErr.Details["retry_after_ms"].(int64); ok {
			body.Error.RetryAfterMs = &ms
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	if status == http.StatusTooManyRequests && body.Error.RetryAfterMs != nil {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
