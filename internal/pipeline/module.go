// Package pipeline implements C4: the four fixed pipeline module
// slots (LLMSwitch, Compatibility, Provider, ProviderHTTP) chained by
// C5's HubPipeline.
//
// The Module interface shape follows a linear chain of discrete
// transform steps executed in order, each able to fail the whole
// chain; ProviderHTTP's network contract follows the same
// buildHeaders/endpoint/StreamSSE split used elsewhere in the stack.
package pipeline

import (
	"context"

	"github.com/routecodex/routecodex/internal/routeerr"
)

// Envelope is the canonical internal chat DTO module stages exchange.
// LLMSwitch's job is exactly to produce/consume this shape from the
// client wire formats.
type Envelope struct {
	RequestID     string
	EntryProtocol string // "openai-chat" | "openai-responses" | "anthropic-messages"
	Model         string
	Messages      []Message
	Tools         []Tool
	ToolChoice    string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	Stop          []string
	Stream        bool
	Metadata      map[string]any // stamped debug/_metadata, strippable before the client response

	// Populated progressively by later stages.
	Headers  map[string]string
	Endpoint string
	Body     []byte // the exact wire payload ProviderHTTP will POST

	// Populated by ProviderHTTP.
	ResponseBody []byte
	StreamSource StreamSource
	Usage        Usage
}

// Message is a role/content chat turn, provider-family agnostic.
type Message struct {
	Role    string
	Content string
}

// Tool is a function-call tool descriptor, canonical across client protocols.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the token accounting ProviderHTTP (or its JSON decode)
// extracts from the upstream response, consumed by C7 for SuccessEvent.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// StreamChunk is one SSE event surfaced up to C8.
type StreamChunk struct {
	Data []byte // raw wire bytes of this chunk, already re-encoded for the client protocol
	Done bool
	Err  error
}

// StreamSource is what ProviderHTTP hands back for a streaming
// request; C8 drains it directly and hands the stream up verbatim.
type StreamSource interface {
	Next(ctx context.Context) (StreamChunk, bool)
	Close() error
}

// DecorateStream lets LLMSwitch wrap a StreamSource with a per-event
// outgoing filter instead of buffering the whole response.
type DecorateStream func(StreamSource) StreamSource

// Module is the uniform interface every pipeline slot implements.
type Module interface {
	Initialize(ctx context.Context) error
	ProcessIncoming(ctx context.Context, env *Envelope) (*Envelope, error)
	ProcessOutgoing(ctx context.Context, env *Envelope) (*Envelope, error)
	Cleanup() error
}

func moduleInitErr(moduleID string, cause error) error {
	return routeerr.New(routeerr.CodeModuleInit, "module initialization failed").
		WithSeries(routeerr.SeriesFatal).
		WithFatal(true).
		WithDetail("module_id", moduleID).
		WithCause(cause)
}

func moduleErr(moduleID string, cause error) error {
	return routeerr.New(routeerr.CodeModuleError, "module processing failed").
		WithDetail("module_id", moduleID).
		WithCause(cause)
}
