package quotacenter

import "strings"

// ErrorInput is the pre-normalization shape of an ErrorEvent,
// separated from the event type so normalizeErrorSeries stays a pure
// function independent of actor plumbing.
type ErrorInput struct {
	HTTPStatus int
	Code       string
	Message    string
	Fatal      bool
}

var networkCodes = map[string]bool{
	"ECONNRESET":                   true,
	"ECONNREFUSED":                 true,
	"ETIMEDOUT":                    true,
	"EAI_AGAIN":                    true,
	"UPSTREAM_HEADERS_TIMEOUT":     true,
	"UPSTREAM_STREAM_TIMEOUT":      true,
	"UPSTREAM_STREAM_IDLE_TIMEOUT": true,
	"UPSTREAM_STREAM_ABORTED":      true,
}

// normalizeErrorSeries is the pure error-to-series classification
// function. It is order-sensitive: EFATAL is checked first so a fatal
// auth failure is never miscounted as a retryable rate limit.
func normalizeErrorSeries(in ErrorInput) Series {
	code := strings.ToUpper(in.Code)
	msg := strings.ToUpper(in.Message)

	if in.Fatal || containsAny(code, "AUTH", "UNAUTHORIZED", "CONFIG", "FATAL") {
		return SeriesFatal
	}
	if in.HTTPStatus == 429 || containsAny(code, "RATE", "QUOTA", "429") {
		return Series429
	}
	if in.HTTPStatus >= 500 && in.HTTPStatus < 600 {
		return Series5XX
	}
	if networkCodes[code] || containsAny(msg, "TIMEOUT", "FETCH FAILED", "SOCKET HANG UP", "TLS HANDSHAKE TIMEOUT") {
		return SeriesNet
	}
	return SeriesOther
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
