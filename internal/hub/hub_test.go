package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/stretchr/testify/require"
)

// S1 happy path (buffered): a full incoming→outgoing round trip
// through all four stages against a real (test) upstream.
func TestPipelineExecuteBufferedHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"pong","usage":{"prompt_tokens":2,"completion_tokens":6,"total_tokens":8}}`))
	}))
	defer srv.Close()

	p := New(
		pipeline.NewLLMSwitch(),
		pipeline.NewCompatibility(pipeline.ShapeFilter{}),
		pipeline.NewProviderStage(srv.URL, "", "Authorization", "Bearer sk-test"),
		pipeline.NewProviderHTTP(pipeline.HTTPTimeouts{}),
		ModeVerbatimStream,
	)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Cleanup()

	body, err := json.Marshal(map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "ping"}},
	})
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), "req-1", &pipeline.Envelope{RequestID: "req-1", Body: body})
	require.NoError(t, err)
	require.EqualValues(t, 8, out.Usage.TotalTokens)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.ResponseBody, &resp))
	require.Equal(t, "gpt-x", resp["model"])
}

func TestPipelineExecuteAttachesStageOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(
		pipeline.NewLLMSwitch(),
		pipeline.NewCompatibility(pipeline.ShapeFilter{}),
		pipeline.NewProviderStage(srv.URL, "", "Authorization", "Bearer bad"),
		pipeline.NewProviderHTTP(pipeline.HTTPTimeouts{}),
		ModeVerbatimStream,
	)

	_, err := p.Execute(context.Background(), "req-2", &pipeline.Envelope{RequestID: "req-2", Body: []byte(`{"model":"gpt-x","messages":[]}`)})
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, routeerr.CodeAuthFailure, rcErr.Code)
	require.Equal(t, string(StageProviderHTTP), rcErr.Details["stage"])
}

func TestPipelineExecuteRejectsMalformedBodyAtLLMSwitch(t *testing.T) {
	p := New(
		pipeline.NewLLMSwitch(),
		pipeline.NewCompatibility(pipeline.ShapeFilter{}),
		pipeline.NewProviderStage("https://example.com", "", "Authorization", "Bearer x"),
		pipeline.NewProviderHTTP(pipeline.HTTPTimeouts{}),
		ModeVerbatimStream,
	)
	_, err := p.Execute(context.Background(), "req-3", &pipeline.Envelope{RequestID: "req-3", Body: []byte("{bad")})
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, string(StageLLMSwitch), rcErr.Details["stage"])
}
