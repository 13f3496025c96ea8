package pipeline

import (
	"context"
	"encoding/json"

	"github.com/routecodex/routecodex/internal/routeerr"
)

// LLMSwitch is the protocol-bridge slot. It is shape-preserving:
// outgoing(incoming(x)) must equal x's data modulo the stamped
// Metadata.
type LLMSwitch struct {
	moduleID string
}

// NewLLMSwitch constructs the protocol-bridge module.
func NewLLMSwitch() *LLMSwitch { return &LLMSwitch{moduleID: "llm-switch"} }

func (m *LLMSwitch) Initialize(ctx context.Context) error { return nil }
func (m *LLMSwitch) Cleanup() error                       { return nil }

// rawIncoming mirrors the subset of fields shared by OpenAI Chat,
// OpenAI Responses, and Anthropic Messages request bodies, tolerant of
// protocol-specific naming (messages vs input, system vs system role).
type rawIncoming struct {
	Model       string          `json:"model"`
	Messages    []rawMessage    `json:"messages"`
	Input       []rawMessage    `json:"input"`
	System      string          `json:"system"`
	Tools       []rawTool       `json:"tools"`
	ToolChoice  json.RawMessage `json:"tool_choice"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	Stop        []string        `json:"stop"`
	Stream      bool            `json:"stream"`
}

type rawMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type rawTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
	// Anthropic-style tool shape: name/description/input_schema at top level.
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ProcessIncoming unmarshals the client's raw wire body (carried in
// Envelope.Body by C8 before the pipeline runs) into the canonical
// shape every later stage operates on.
func (m *LLMSwitch) ProcessIncoming(ctx context.Context, env *Envelope) (*Envelope, error) {
	var raw rawIncoming
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, &raw); err != nil {
			return nil, routeerr.New(routeerr.CodeBadRequest, "malformed request body").
				WithSeries(routeerr.SeriesFatal).
				WithHTTPStatus(400).
				WithRequestID(env.RequestID).
				WithCause(err)
		}
	}

	env.Model = raw.Model
	env.MaxTokens = raw.MaxTokens
	env.Temperature = raw.Temperature
	env.TopP = raw.TopP
	env.Stop = raw.Stop
	env.Stream = raw.Stream

	msgs := raw.Messages
	if len(msgs) == 0 && len(raw.Input) > 0 {
		msgs = raw.Input // openai-responses names the field "input"
	}
	if raw.System != "" {
		env.Messages = append(env.Messages, Message{Role: "system", Content: raw.System})
	}
	for _, rm := range msgs {
		env.Messages = append(env.Messages, Message{Role: rm.Role, Content: rm.Content})
	}

	for _, rt := range raw.Tools {
		name, desc, params := rt.Function.Name, rt.Function.Description, rt.Function.Parameters
		if name == "" {
			name, desc, params = rt.Name, rt.Description, rt.InputSchema
		}
		env.Tools = append(env.Tools, Tool{Name: name, Description: desc, Parameters: params})
	}

	if env.Metadata == nil {
		env.Metadata = map[string]any{}
	}
	env.Metadata["entry_protocol"] = env.EntryProtocol
	return env, nil
}

// ProcessOutgoing re-serializes the canonical response back into the
// client's wire protocol. Buffered (non-streaming) responses only —
// streaming responses go through DecorateStream instead.
func (m *LLMSwitch) ProcessOutgoing(ctx context.Context, env *Envelope) (*Envelope, error) {
	out := map[string]any{
		"id":      env.RequestID,
		"model":   env.Model,
		"content": messagesToText(env.Messages),
		"usage": map[string]any{
			"prompt_tokens":     env.Usage.PromptTokens,
			"completion_tokens": env.Usage.CompletionTokens,
			"total_tokens":      env.Usage.TotalTokens,
		},
	}
	if meta, ok := env.Metadata["_metadata_enabled"].(bool); ok && meta {
		out["_metadata"] = env.Metadata
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, routeerr.New(routeerr.CodeModuleError, "response serialization failed").
			WithRequestID(env.RequestID).WithCause(err)
	}
	env.ResponseBody = body
	return env, nil
}

func messagesToText(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

// DecorateStream is the per-event outgoing filter for the
// verbatim-stream path: each upstream chunk is passed through
// unmodified except for protocol re-framing, here a no-op since the
// internal StreamChunk already carries re-encoded wire bytes produced
// by ProviderHTTP.
func (m *LLMSwitch) DecorateStream(src StreamSource) StreamSource { return src }
