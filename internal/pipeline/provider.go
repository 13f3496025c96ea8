package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/routecodex/routecodex/internal/routeerr"
)

// ProviderStage is the stateful-glue slot: stamps auth, endpoint, and
// streaming decision on the request; de-stamps on
// the response. It never calls the network itself — the
// buildHeaders/endpoint construction is split out of the HTTP call so
// the network concern belongs solely to ProviderHTTP.
type ProviderStage struct {
	moduleID    string
	baseURL     string
	path        string
	headerName  string
	headerValue string
}

// NewProviderStage constructs the Provider slot for one resolved
// target: baseURL/path come from ConfigView, headerName/headerValue
// from C2's Materialized credential.
func NewProviderStage(baseURL, path, headerName, headerValue string) *ProviderStage {
	return &ProviderStage{
		moduleID:    "provider",
		baseURL:     baseURL,
		path:        path,
		headerName:  headerName,
		headerValue: headerValue,
	}
}

func (m *ProviderStage) Initialize(ctx context.Context) error { return nil }
func (m *ProviderStage) Cleanup() error                       { return nil }

func (m *ProviderStage) ProcessIncoming(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.Endpoint = strings.TrimRight(m.baseURL, "/") + m.path
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	env.Headers[m.headerName] = m.headerValue
	env.Headers["Content-Type"] = "application/json"

	wire := struct {
		Model       string     `json:"model"`
		Messages    []rawMessage `json:"messages"`
		Tools       []rawTool  `json:"tools,omitempty"`
		MaxTokens   int        `json:"max_tokens,omitempty"`
		Temperature float64    `json:"temperature,omitempty"`
		TopP        float64    `json:"top_p,omitempty"`
		Stop        []string   `json:"stop,omitempty"`
		Stream      bool       `json:"stream,omitempty"`
	}{
		Model:       env.Model,
		MaxTokens:   env.MaxTokens,
		Temperature: env.Temperature,
		TopP:        env.TopP,
		Stop:        env.Stop,
		Stream:      env.Stream,
	}
	for _, msg := range env.Messages {
		wire.Messages = append(wire.Messages, rawMessage{Role: msg.Role, Content: msg.Content})
	}
	for _, t := range env.Tools {
		rt := rawTool{Type: "function"}
		rt.Function.Name = t.Name
		rt.Function.Description = t.Description
		rt.Function.Parameters = t.Parameters
		wire.Tools = append(wire.Tools, rt)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, routeerr.New(routeerr.CodeModuleError, "provider request encoding failed").
			WithRequestID(env.RequestID).WithCause(err)
	}
	env.Body = body
	return env, nil
}

// ProcessOutgoing de-stamps transport-only fields so they never leak
// into the client-facing response LLMSwitch assembles.
func (m *ProviderStage) ProcessOutgoing(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.Headers = nil
	env.Endpoint = ""
	return env, nil
}
