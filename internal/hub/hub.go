// Package hub implements C5, the HubPipeline: a fixed linear chain of
// four pipeline.Module stages run incoming-forward then
// outgoing-in-reverse. The loop (run steps in order, attach the
// failing step's identity to the error, stop at the first failure) is
// generalized from a single-direction chain to the incoming/outgoing
// round trip the pipeline runs per request.
package hub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/pool"
	"github.com/routecodex/routecodex/internal/routeerr"
)

// tracer is the global OTel tracer for this package. When
// internal/telemetry.Init has not been called (or ran with Enabled:
// false) the global TracerProvider is otel's noop implementation, so
// every Start call below is a cheap no-op.
var tracer = otel.Tracer("routecodex/hub")

// StageID names the four fixed slots in chain order.
type StageID string

const (
	StageLLMSwitch    StageID = "llm-switch"
	StageCompat       StageID = "compatibility"
	StageProvider     StageID = "provider"
	StageProviderHTTP StageID = "provider-http"
)

// Mode selects how streaming responses are handled.
type Mode int

const (
	// ModeVerbatimStream hands the ProviderHTTP stream up to C8
	// untouched except for LLMSwitch's per-event DecorateStream filter.
	ModeVerbatimStream Mode = iota
	// ModeStreamBuffered assembles the full stream before running
	// LLMSwitch/Compatibility outgoing transforms on it.
	ModeStreamBuffered
)

// Stage pairs a StageID with its Module implementation.
type Stage struct {
	ID     StageID
	Module pipeline.Module
}

// Pipeline is one HubPipeline instance, built fresh per C7 attempt
// from the resolved target's pipelineTemplate.
type Pipeline struct {
	stages []Stage
	mode   Mode
}

// New builds a HubPipeline from the four resolved stage modules, in
// the fixed order [LLMSwitch, Compatibility, Provider, ProviderHTTP].
func New(llmSwitch, compat, provider, providerHTTP pipeline.Module, mode Mode) *Pipeline {
	return &Pipeline{
		stages: []Stage{
			{StageLLMSwitch, llmSwitch},
			{StageCompat, compat},
			{StageProvider, provider},
			{StageProviderHTTP, providerHTTP},
		},
		mode: mode,
	}
}

// Initialize runs Initialize on every stage in chain order.
func (p *Pipeline) Initialize(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.Module.Initialize(ctx); err != nil {
			return stageErr(s.ID, "", err)
		}
	}
	return nil
}

// Cleanup runs Cleanup on every stage, collecting the first error but
// attempting all of them so one misbehaving stage doesn't leak the rest.
func (p *Pipeline) Cleanup() error {
	var first error
	for _, s := range p.stages {
		if err := s.Module.Cleanup(); err != nil && first == nil {
			first = stageErr(s.ID, "", err)
		}
	}
	return first
}

// Execute chains incoming through all four stages, then outgoing in
// reverse. On error the failing stage id and the request id are attached
// so C7 can classify; the partially-processed envelope is not attached.
func (p *Pipeline) Execute(ctx context.Context, requestID string, in *pipeline.Envelope) (*pipeline.Envelope, error) {
	ctx, span := tracer.Start(ctx, "hub.Execute", trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	env := in
	for _, s := range p.stages {
		next, err := p.runIncoming(ctx, s, env)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, stageErr(s.ID, requestID, err)
		}
		env = next
	}

	if env.Stream {
		if p.mode == ModeVerbatimStream {
			if ds, ok := p.stages[0].Module.(interface {
				DecorateStream(pipeline.StreamSource) pipeline.StreamSource
			}); ok {
				env.StreamSource = ds.DecorateStream(env.StreamSource)
			}
			return env, nil
		}
		// stream-buffered mode: drain the source fully before running
		// outgoing transforms, trading latency for uniform post-processing.
		if err := drainIntoResponseBody(ctx, env); err != nil {
			return nil, stageErr(StageProviderHTTP, requestID, err)
		}
	}

	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		next, err := p.runOutgoing(ctx, s, env)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, stageErr(s.ID, requestID, err)
		}
		env = next
	}
	return env, nil
}

func (p *Pipeline) runIncoming(ctx context.Context, s Stage, env *pipeline.Envelope) (*pipeline.Envelope, error) {
	ctx, span := tracer.Start(ctx, "hub.stage."+string(s.ID)+".incoming")
	defer span.End()
	out, err := s.Module.ProcessIncoming(ctx, env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Pipeline) runOutgoing(ctx context.Context, s Stage, env *pipeline.Envelope) (*pipeline.Envelope, error) {
	ctx, span := tracer.Start(ctx, "hub.stage."+string(s.ID)+".outgoing")
	defer span.End()
	out, err := s.Module.ProcessOutgoing(ctx, env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func drainIntoResponseBody(ctx context.Context, env *pipeline.Envelope) error {
	if env.StreamSource == nil {
		return nil
	}
	defer env.StreamSource.Close()

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	for {
		chunk, more := env.StreamSource.Next(ctx)
		if chunk.Err != nil {
			return chunk.Err
		}
		buf.Write(chunk.Data)
		if chunk.Done || !more {
			break
		}
	}
	env.ResponseBody = append([]byte(nil), buf.Bytes()...)
	env.Stream = false
	return nil
}

func stageErr(stage StageID, requestID string, cause error) error {
	if rcErr, ok := routeerr.As(cause); ok {
		rcErr.WithDetail("stage", string(stage))
		if requestID != "" {
			rcErr.WithRequestID(requestID)
		}
		return rcErr
	}
	return routeerr.New(routeerr.CodeModuleError, "pipeline stage failed").
		WithRequestID(requestID).
		WithDetail("stage", string(stage)).
		WithCause(cause)
}
