// Package failover implements C7, FailoverExecutor: the bounded
// per-request retry loop across providers, feeding results back to
// quotacenter and reading candidates from router.
//
// The loop shape is bounded attempts, classify-then-decide, emit
// telemetry per attempt, generalized from a single-provider retry
// into a multi-provider failover loop whose "backoff" is C3's cooldown
// state rather than a local sleep.
package failover

import (
	"context"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/routecodex/routecodex/internal/router"
)

// tokenEncoding is a package-level cl100k_base encoder, the same
// encoding every OpenAI-family chat model the router targets uses.
// tiktoken.GetEncoding is safe for concurrent use once built; a nil
// value (only possible if the embedded BPE ranks fail to load) falls
// back to the chars/4 heuristic rather than panicking mid-request.
var tokenEncoding = mustEncoding()

func mustEncoding() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return enc
}

// DefaultMaxAttempts bounds how many providers one request will try.
const DefaultMaxAttempts = 3

// tracer emits one span per failover attempt; a noop TracerProvider
// (the default until internal/telemetry.Init runs with Enabled: true)
// makes every Start call here free.
var tracer = otel.Tracer("routecodex/failover")

// Runner is the subset of hub.Pipeline the executor needs, narrowed so
// tests can substitute a fake without building a real HubPipeline.
type Runner interface {
	Execute(ctx context.Context, requestID string, in *pipeline.Envelope) (*pipeline.Envelope, error)
	Cleanup() error
}

// QuotaSink is the subset of quotacenter.Center the executor depends on.
type QuotaSink interface {
	Eligible(ctx context.Context, providerKey string, nowMs int64) quotacenter.Eligibility
	Submit(ev any)
}

// Picker is the subset of router.Router the executor depends on.
type Picker interface {
	Pick(ctx context.Context, routeKey config.RouteKey, excluded map[string]bool, nowMs int64) (router.Target, error)
}

// Clock abstracts wall-clock time so tests can drive deterministic
// nowMs sequences; production wiring passes a real-time clock.
type Clock func() int64

// BuildFunc constructs a fresh pipeline Runner for one resolved
// target, wiring CredentialStore/ConfigView-derived endpoint and auth
// header material into the Provider/ProviderHTTP stages.
type BuildFunc func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error)

// Executor is C7. One instance serves every inbound request; the
// per-request state (attempt count, excluded set) lives inside Run.
type Executor struct {
	picker      Picker
	quota       QuotaSink
	build       BuildFunc
	maxAttempts int
	now         Clock
}

// New constructs an Executor.
func New(picker Picker, quota QuotaSink, build BuildFunc, maxAttempts int, now Clock) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{picker: picker, quota: quota, build: build, maxAttempts: maxAttempts, now: now}
}

// FirstByteFlushed is the C8-owned streaming lock-in flag: once any SSE
// byte has reached the client, no further attempt may run, and the
// provider serving that stream is pinned here so a later mid-stream
// failure can still be attributed back to it. C8 sets Mark as soon as
// it writes the first chunk to the response writer; Run sets the
// provider as soon as a streaming attempt hands off its StreamSource.
type FirstByteFlushed struct {
	flag     atomic.Bool
	provider atomic.Value // string
}

// Mark records that at least one byte has been flushed to the client.
func (f *FirstByteFlushed) Mark() { f.flag.Store(true) }

// Flushed reports whether any byte has been flushed yet.
func (f *FirstByteFlushed) Flushed() bool { return f.flag.Load() }

// setProvider pins the providerKey serving the current stream.
func (f *FirstByteFlushed) setProvider(providerKey string) { f.provider.Store(providerKey) }

// Provider returns the providerKey serving the current stream, or ""
// if none has handed off a StreamSource yet.
func (f *FirstByteFlushed) Provider() string {
	v, _ := f.provider.Load().(string)
	return v
}

// Run drives the bounded per-request retry loop across providers.
// flushed may be nil for non-streaming requests, where lock-in never
// applies.
func (e *Executor) Run(ctx context.Context, env *pipeline.Envelope, routeKey config.RouteKey, flushed *FirstByteFlushed) (*pipeline.Envelope, error) {
	ctx, span := tracer.Start(ctx, "failover.Run", trace.WithAttributes(attribute.String("request_id", env.RequestID)))
	defer span.End()

	excluded := map[string]bool{}
	var lastErr error
	attempts := 0

	for attempts < e.maxAttempts {
		if flushed != nil && flushed.Flushed() {
			err := streamTruncated(env.RequestID, lastErr)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		attempts++
		now := e.now()

		target, err := e.picker.Pick(ctx, routeKey, excluded, now)
		if err != nil {
			exhausted := failoverExhausted(env.RequestID, lastErr)
			span.SetStatus(codes.Error, exhausted.Error())
			return nil, exhausted
		}

		attemptCtx, attemptSpan := tracer.Start(ctx, "failover.attempt", trace.WithAttributes(
			attribute.Int("attempt", attempts),
			attribute.String("provider_key", target.ProviderKey),
		))

		estTokens := estimateTokens(env)
		e.quota.Submit(quotacenter.UsageEvent{ProviderKey: target.ProviderKey, RequestedTokens: estTokens, NowMs: now})

		runner, buildErr := e.build(attemptCtx, target, env)
		if buildErr != nil {
			lastErr = e.recordAndClassify(target.ProviderKey, now, buildErr, excluded)
			attemptSpan.SetStatus(codes.Error, lastErr.Error())
			attemptSpan.End()
			if isTerminalFatal(lastErr) {
				span.SetStatus(codes.Error, lastErr.Error())
				return nil, lastErr
			}
			continue
		}

		out, execErr := runner.Execute(attemptCtx, env.RequestID, env)
		_ = runner.Cleanup()
		if execErr == nil {
			e.quota.Submit(quotacenter.SuccessEvent{ProviderKey: target.ProviderKey, UsedTokens: out.Usage.TotalTokens, NowMs: e.now()})
			if flushed != nil && out.StreamSource != nil {
				flushed.setProvider(target.ProviderKey)
			}
			attemptSpan.End()
			return out, nil
		}

		lastErr = e.recordAndClassify(target.ProviderKey, e.now(), execErr, excluded)
		attemptSpan.SetStatus(codes.Error, lastErr.Error())
		attemptSpan.End()
		if isTerminalFatal(lastErr) {
			span.SetStatus(codes.Error, lastErr.Error())
			return nil, lastErr
		}
	}

	exhausted := failoverExhausted(env.RequestID, lastErr)
	span.SetStatus(codes.Error, exhausted.Error())
	return nil, exhausted
}

func estimateTokens(env *pipeline.Envelope) int64 {
	var total int64
	for _, m := range env.Messages {
		if tokenEncoding != nil {
			total += int64(len(tokenEncoding.Encode(m.Content, nil, nil)))
			continue
		}
		total += int64(len(m.Content)) / 4 // coarse fallback if BPE ranks failed to load
	}
	return total
}

// recordAndClassify normalizes execErr into a routeerr.Error, emits the
// corresponding ErrorEvent to C3, and — for retryable series — adds the
// provider to excluded.
func (e *Executor) recordAndClassify(providerKey string, now int64, execErr error, excluded map[string]bool) error {
	rcErr, ok := routeerr.As(execErr)
	if !ok {
		rcErr = routeerr.New(routeerr.CodeModuleError, execErr.Error()).WithCause(execErr)
	}
	e.quota.Submit(quotacenter.ErrorEvent{
		ProviderKey: providerKey,
		HTTPStatus:  rcErr.HTTPStatus,
		Code:        string(rcErr.Code),
		Message:     rcErr.Message,
		Fatal:       rcErr.Fatal,
		NowMs:       now,
	})

	if rcErr.Series == routeerr.SeriesFatal && isCredentialOrConfigScoped(rcErr.Code) {
		return rcErr // terminal: switching provider will not help
	}
	excluded[providerKey] = true
	return rcErr
}

func isCredentialOrConfigScoped(code routeerr.Code) bool {
	switch code {
	case routeerr.CodeAuthFailure, routeerr.CodeMissingCredential, routeerr.CodeConfigError, routeerr.CodeBadRequest:
		return true
	default:
		return false
	}
}

func isTerminalFatal(err error) bool {
	rcErr, ok := routeerr.As(err)
	if !ok {
		return false
	}
	return rcErr.Series == routeerr.SeriesFatal && isCredentialOrConfigScoped(rcErr.Code)
}

func failoverExhausted(requestID string, lastErr error) error {
	rcErr := routeerr.New(routeerr.CodeFailoverExhausted, "no provider produced a response after retries").
		WithSeries(routeerr.SeriesOther).
		WithRequestID(requestID).
		WithRetryable(false)
	if lastErr != nil {
		rcErr.WithCause(lastErr)
	}
	return rcErr
}

func streamTruncated(requestID string, lastErr error) error {
	rcErr := routeerr.New(routeerr.CodeStreamTruncated, "stream truncated after first byte; retry disallowed").
		WithSeries(routeerr.SeriesNet).
		WithRequestID(requestID).
		WithRetryable(false)
	if lastErr != nil {
		rcErr.WithCause(lastErr)
	}
	return rcErr
}
