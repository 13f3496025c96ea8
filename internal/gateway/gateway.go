// Package gateway implements C8, RequestGateway: the HTTP-facing front
// that parses inbound requests, derives routeKey, drives C7, and
// returns a buffered response or relays an SSE stream.
//
// Follows AgentFlow's server.go shape (http.ServeMux registration, one
// handler per route) and middleware.go (Recovery, RequestLogger,
// MetricsMiddleware, APIKeyAuth/JWT gating, SSE-aware response
// writer), generalized from AgentFlow's agent/chat endpoints into
// RouteCodex's chat/responses/messages endpoints feeding C7.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/failover"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/routeerr"
)

// MaxBodyBytes bounds the inbound request body C8 will read before
// rejecting as BadRequest; chosen generously above longContentThreshold.
const MaxBodyBytes = 8 << 20 // 8 MiB

// Clock abstracts wall-clock time for deterministic tests.
type Clock func() time.Time

// AdminAuth holds optional JWT gating for GET /admin/providers:
// opt-in bearer-JWT gating since a read-only endpoint that always
// 401s without a token is a worse default than an open one in a
// single-tenant deployment.
type AdminAuth struct {
	Secret []byte // empty disables gating entirely
}

func (a AdminAuth) enabled() bool { return len(a.Secret) > 0 }

func (a AdminAuth) authorize(r *http.Request) bool {
	if !a.enabled() {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

// Gateway is C8.
type Gateway struct {
	exec      *failover.Executor
	quota     *quotacenter.Center
	view      func() *configview.View
	logger    *zap.Logger
	admin     AdminAuth
	now       Clock
	version   string
	startedAt time.Time
	metrics   *metrics.Collector // nil disables recording
}

// New constructs a Gateway. collector may be nil, in which case no
// Prometheus metrics are recorded (the /metrics handler still mounts,
// serving whatever the default registry otherwise holds).
func New(exec *failover.Executor, quota *quotacenter.Center, view func() *configview.View, admin AdminAuth, version string, logger *zap.Logger, now Clock, collector *metrics.Collector) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		exec:      exec,
		quota:     quota,
		view:      view,
		logger:    logger.With(zap.String("component", "gateway")),
		admin:     admin,
		now:       now,
		version:   version,
		startedAt: now(),
		metrics:   collector,
	}
}

// Mux builds the http.ServeMux C8 exposes: the three client-protocol
// entry points plus the ambient /health, /admin/providers, and
// /metrics surfaces.
func (g *Gateway) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", g.handleEntry("openai-chat"))
	mux.HandleFunc("/v1/responses", g.handleEntry("openai-responses"))
	mux.HandleFunc("/v1/messages", g.handleEntry("anthropic-messages"))
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/admin/providers", g.handleAdminProviders)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleEntry builds the handler shared by all three client-protocol
// entry points; only entryProtocol and the wire shape differ.
func (g *Gateway) handleEntry(entryProtocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		requestID := requestIDFor(r)
		w.Header().Set("X-Request-Id", requestID)

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			g.recordHTTP(entryProtocol, 400, start, len(body), 0)
			writeErrorEnvelope(w, requestID, routeerr.New(routeerr.CodeBadRequest, "failed to read request body").WithRequestID(requestID).WithHTTPStatus(400))
			return
		}
		if int64(len(body)) > MaxBodyBytes {
			g.recordHTTP(entryProtocol, 400, start, len(body), 0)
			writeErrorEnvelope(w, requestID, routeerr.New(routeerr.CodeBadRequest, "request body too large").WithRequestID(requestID).WithHTTPStatus(400))
			return
		}

		routeKey := classifyRoute(r.Header.Get("X-RC-Route"), body)
		streamRequested := wantsStream(body)

		env := &pipeline.Envelope{
			RequestID:     requestID,
			EntryProtocol: entryProtocol,
			Stream:        streamRequested,
			Body:          body,
		}

		var flushed *failover.FirstByteFlushed
		if streamRequested {
			flushed = &failover.FirstByteFlushed{}
		}

		out, err := g.exec.Run(r.Context(), env, routeKey, flushed)
		if err != nil {
			g.logger.Warn("request failed", zap.String("request_id", requestID), zap.Error(err))
			status := 502
			if rcErr, ok := routeerr.As(err); ok && rcErr.HTTPStatus != 0 {
				status = rcErr.HTTPStatus
			}
			g.recordHTTP(entryProtocol, status, start, len(body), 0)
			writeErrorEnvelope(w, requestID, err)
			return
		}

		if out.StreamSource != nil {
			g.relaySSE(r.Context(), w, requestID, out.StreamSource, flushed)
			g.recordHTTP(entryProtocol, 200, start, len(body), 0)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.ResponseBody)
		g.recordHTTP(entryProtocol, 200, start, len(body), len(out.ResponseBody))
	}
}

// recordHTTP is a no-op when the Gateway was built without a collector.
func (g *Gateway) recordHTTP(route string, status int, start time.Time, reqSize, respSize int) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordHTTPRequest(route, status, g.now().Sub(start), int64(reqSize), int64(respSize))
}

// relaySSE drains a verbatim stream to the client, synchronously and
// under backpressure, flipping flushed as soon as the first byte is
// written. C8 is the only component that owns SSE flush semantics.
func (g *Gateway) relaySSE(ctx context.Context, w http.ResponseWriter, requestID string, source pipeline.StreamSource, flushed *failover.FirstByteFlushed) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	defer source.Close()

	for {
		chunk, more := source.Next(ctx)
		if chunk.Err != nil {
			if flushed != nil && flushed.Flushed() {
				writeSSEErrorFrame(w, flusher, chunk.Err)
				g.reportStreamFailure(flushed.Provider(), chunk.Err)
			}
			return
		}
		if len(chunk.Data) > 0 {
			if _, err := io.WriteString(w, "data: "); err == nil {
				w.Write(chunk.Data)
				io.WriteString(w, "\n\n")
			}
			if flushed != nil {
				flushed.Mark()
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if chunk.Done || !more {
			return
		}
	}
}

// reportStreamFailure submits a terminal ENET ErrorEvent for a stream
// that broke after the first byte reached the client. Lock-in means
// C7 never retries this attempt itself, so without this call C3's
// cooldown/blacklist accounting would never see the failed provider
// took part in the request at all.
func (g *Gateway) reportStreamFailure(providerKey string, cause error) {
	if providerKey == "" {
		return
	}
	rcErr, ok := routeerr.As(cause)
	code := string(routeerr.CodeStreamTruncated)
	status := 0
	msg := cause.Error()
	fatal := false
	if ok {
		code = string(rcErr.Code)
		status = rcErr.HTTPStatus
		msg = rcErr.Message
		fatal = rcErr.Fatal
	}
	g.quota.Submit(quotacenter.ErrorEvent{
		ProviderKey: providerKey,
		HTTPStatus:  status,
		Code:        code,
		Message:     msg,
		Fatal:       fatal,
		NowMs:       g.now().UnixMilli(),
	})
}

func writeSSEErrorFrame(w http.ResponseWriter, flusher http.Flusher, cause error) {
	rcErr, ok := routeerr.As(cause)
	msg := cause.Error()
	code := string(routeerr.CodeStreamTruncated)
	if ok {
		code = string(rcErr.Code)
	}
	payload, _ := json.Marshal(map[string]string{"code": code, "message": msg})
	_, _ = io.WriteString(w, "event: error\n")
	_, _ = w.Write(append([]byte("data: "), append(payload, '\n', '\n')...))
	if flusher != nil {
		flusher.Flush()
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	sum := g.quota.Summary()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"version":    g.version,
		"uptime_sec": int64(g.now().Sub(g.startedAt).Seconds()),
		"quota":      sum,
	})
}

// adminProvider is the sanitized view GET /admin/providers returns:
// credentials never leave ConfigView in this payload.
type adminProvider struct {
	ID      string                         `json:"id"`
	Family  string                         `json:"family"`
	BaseURL string                         `json:"baseUrl"`
	Models  []config.ModelEntry            `json:"models"`
	Quota   quotacenter.ProviderQuotaState `json:"quota"`
}

func (g *Gateway) handleAdminProviders(w http.ResponseWriter, r *http.Request) {
	if !g.admin.authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, `{"error":{"type":"AuthFailure","message":"missing or invalid admin token"}}`, http.StatusUnauthorized)
		return
	}

	v := g.view()
	out := make([]adminProvider, 0, len(v.Providers()))
	for _, p := range v.Providers() {
		state, _ := g.quota.State(p.ID)
		out = append(out, adminProvider{ID: p.ID, Family: p.Family, BaseURL: p.BaseURL, Models: p.Models, Quota: state})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": out})
}

func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.New().String()
}

// wantsStream sniffs the wire-neutral "stream": true field without a
// strict parse; LLMSwitch still owns the canonical decode.
func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}
