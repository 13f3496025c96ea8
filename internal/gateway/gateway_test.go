package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/failover"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/router"
)

// waitDrained submits a no-op TickEvent behind every event submitted to
// quota so far (the actor's channel is FIFO) and then sleeps briefly so
// the actor can process them.
func waitDrained(quota *quotacenter.Center) {
	done := make(chan struct{})
	go func() {
		quota.Submit(quotacenter.TickEvent{NowMs: 0})
		close(done)
	}()
	<-done
	time.Sleep(20 * time.Millisecond)
}

func cfgSingleProvider(baseURL string) *config.CanonicalConfig {
	return &config.CanonicalConfig{
		Version: 1,
		Providers: []config.Provider{
			{ID: "p1", Family: "openai", BaseURL: baseURL, Models: []config.ModelEntry{{ID: "gpt-x"}}},
		},
		Routes: config.RouteTable{
			config.RouteDefault: {{PoolID: "pool1", Mode: config.ModePriority, Targets: []config.RouteTarget{{ProviderID: "p1", ModelID: "gpt-x"}}}},
		},
	}
}

func newTestGateway(t *testing.T, upstreamURL string, admin AdminAuth) (*Gateway, *quotacenter.Center) {
	t.Helper()
	logger := zap.NewNop()
	cc := cfgSingleProvider(upstreamURL)
	view := configview.NewStore(cc).Load()

	quota := quotacenter.New(logger)
	t.Cleanup(quota.Close)

	r := router.New(func() *configview.View { return view }, quota)

	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (failover.Runner, error) {
		p := hub.New(
			pipeline.NewLLMSwitch(),
			pipeline.NewCompatibility(pipeline.ShapeFilter{}),
			pipeline.NewProviderStage(target.Provider.BaseURL, "", "Authorization", "Bearer test"),
			pipeline.NewProviderHTTP(pipeline.HTTPTimeouts{}),
			hub.ModeVerbatimStream,
		)
		return p, p.Initialize(ctx)
	}

	exec := failover.New(r, quota, build, failover.DefaultMaxAttempts, func() int64 { return 0 })
	gw := New(exec, quota, func() *configview.View { return view }, admin, "test", logger, func() time.Time { return time.Unix(0, 0) }, nil)
	return gw, quota
}

func TestGatewayBufferedHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"pong","usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, srv.URL, AdminAuth{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	gw.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "gpt-x", resp["model"])
}

func TestGatewayRouteUnavailableWhenNoProvider(t *testing.T) {
	gw, quota := newTestGateway(t, "http://example.invalid", AdminAuth{})
	// Make the only provider ineligible via a manual blacklist.
	quota.Submit(quotacenter.SetBlacklistEvent{ProviderKey: "p1", UntilMs: 1 << 40})
	waitDrained(quota)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-x","messages":[]}`))
	rec := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "RouteUnavailable", resp.Error.Type)
}

func TestGatewayStreamingRelaysSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"delta\":\"a\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, srv.URL, AdminAuth{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	gw.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "delta")
}

func TestClassifyRouteHeaderOverride(t *testing.T) {
	require.Equal(t, config.RouteKey("custom"), classifyRoute("custom", []byte(`{}`)))
}

func TestClassifyRouteTools(t *testing.T) {
	body := []byte(`{"model":"gpt-x","tools":[{"type":"function","function":{"name":"lookup"}}]}`)
	require.Equal(t, config.RouteTools, classifyRoute("", body))
}

func TestClassifyRouteWebSearch(t *testing.T) {
	body := []byte(`{"model":"gpt-x","tools":[{"type":"function","function":{"name":"web_search"}}]}`)
	require.Equal(t, config.RouteWebSearch, classifyRoute("", body))
}

func TestClassifyRouteVision(t *testing.T) {
	body := []byte(`{"model":"gpt-x","messages":[{"content":[{"type":"text"},{"type":"image_url"}]}]}`)
	require.Equal(t, config.RouteVision, classifyRoute("", body))
}

func TestClassifyRouteThinking(t *testing.T) {
	body := []byte(`{"model":"claude-thinking-4","messages":[]}`)
	require.Equal(t, config.RouteThinking, classifyRoute("", body))
}

func TestClassifyRouteLongContext(t *testing.T) {
	big := strings.Repeat("x", longContentThreshold+100)
	body := []byte(`{"model":"gpt-x","messages":[{"content":"` + big + `"}]}`)
	require.Equal(t, config.RouteLongContext, classifyRoute("", body))
}

func TestClassifyRouteDefault(t *testing.T) {
	require.Equal(t, config.RouteDefault, classifyRoute("", []byte(`{"model":"gpt-x","messages":[{"content":"hi"}]}`)))
}

func TestAdminProvidersRequiresJWTWhenConfigured(t *testing.T) {
	secret := []byte("test-secret")
	gw, _ := newTestGateway(t, "http://example.invalid", AdminAuth{Secret: secret})

	req := httptest.NewRequest(http.MethodGet, "/admin/providers", nil)
	rec := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "/admin/providers", nil)
	req2.Header.Set("Authorization", "Bearer "+signed)
	rec2 := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestHealthReportsQuotaSummary(t *testing.T) {
	gw, _ := newTestGateway(t, "http://example.invalid", AdminAuth{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}
