package failover

import (
	"context"
	"testing"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/stretchr/testify/require"
)

func cfgWithPool(mode config.RouteMode, targets ...config.RouteTarget) *config.CanonicalConfig {
	providers := make([]config.Provider, 0, len(targets))
	for _, t := range targets {
		providers = append(providers, config.Provider{ID: t.ProviderID, Family: "openai", Models: []config.ModelEntry{{ID: t.ModelID}}})
	}
	return &config.CanonicalConfig{
		Version:   1,
		Providers: providers,
		Routes: config.RouteTable{
			config.RouteDefault: {{PoolID: "p1", Mode: mode, Targets: targets}},
		},
	}
}

// fakeQuota is a QuotaSink fake that records every submitted event and
// never excludes a provider on its own (exclusion comes only from the
// executor's excluded set, filled after each failed attempt).
type fakeQuota struct {
	events []any
}

func (f *fakeQuota) Eligible(context.Context, string, int64) quotacenter.Eligibility {
	return quotacenter.Eligibility{OK: true}
}

func (f *fakeQuota) Submit(ev any) {
	f.events = append(f.events, ev)
}

func (f *fakeQuota) errorEvents() []quotacenter.ErrorEvent {
	var out []quotacenter.ErrorEvent
	for _, e := range f.events {
		if ev, ok := e.(quotacenter.ErrorEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRunner returns a scripted (envelope, error) pair from Execute,
// optionally flipping the shared FirstByteFlushed flag first to
// simulate a stream that already delivered bytes to the client.
type fakeRunner struct {
	out      *pipeline.Envelope
	err      error
	flipOn   *FirstByteFlushed
	executed int
}

func (f *fakeRunner) Execute(ctx context.Context, requestID string, in *pipeline.Envelope) (*pipeline.Envelope, error) {
	f.executed++
	if f.flipOn != nil {
		f.flipOn.Mark()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeRunner) Cleanup() error { return nil }

func clockAt(ms int64) Clock { return func() int64 { return ms } }

func upstreamRateLimited() error {
	return routeerr.New(routeerr.CodeUpstreamRateLimit, "rate limited").
		WithSeries(routeerr.Series429).
		WithHTTPStatus(429).
		WithRetryable(true)
}

func authFailure() error {
	return routeerr.New(routeerr.CodeAuthFailure, "bad credential").
		WithSeries(routeerr.SeriesFatal).
		WithHTTPStatus(401).
		WithFatal(true).
		WithRetryable(false)
}

// A 429 from provider "a" excludes it and fails over to sibling "b".
func TestRunFailsOverToSiblingOn429(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := router.New(func() *configview.View { return view }, &fakeQuota{})
	quota := &fakeQuota{}

	want := &pipeline.Envelope{RequestID: "req-1", Usage: pipeline.Usage{TotalTokens: 10}}
	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error) {
		if target.ProviderID == "a" {
			return &fakeRunner{err: upstreamRateLimited()}, nil
		}
		return &fakeRunner{out: want}, nil
	}

	exec := New(r, quota, build, DefaultMaxAttempts, clockAt(1000))
	out, err := exec.Run(context.Background(), &pipeline.Envelope{RequestID: "req-1"}, config.RouteDefault, nil)
	require.NoError(t, err)
	require.Equal(t, want, out)

	errs := quota.errorEvents()
	require.Len(t, errs, 1)
	require.Equal(t, "a", errs[0].ProviderKey)
}

// A credential/config-scoped EFATAL error returns immediately without
// attempting any further provider, even though siblings exist.
func TestRunReturnsImmediatelyOnCredentialScopedFatal(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := router.New(func() *configview.View { return view }, &fakeQuota{})
	quota := &fakeQuota{}

	bBuilt := false
	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error) {
		if target.ProviderID == "b" {
			bBuilt = true
		}
		return &fakeRunner{err: authFailure()}, nil
	}

	exec := New(r, quota, build, DefaultMaxAttempts, clockAt(1000))
	_, err := exec.Run(context.Background(), &pipeline.Envelope{RequestID: "req-2"}, config.RouteDefault, nil)
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, routeerr.CodeAuthFailure, rcErr.Code)
	require.False(t, bBuilt, "provider b must never be attempted after a credential-scoped fatal")
}

// Once the stream has flushed its first byte to the client, a failing
// attempt must not trigger a retry: Run returns StreamTruncated.
func TestRunDisallowsRetryAfterFirstByteFlushed(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := router.New(func() *configview.View { return view }, &fakeQuota{})
	quota := &fakeQuota{}

	flushed := &FirstByteFlushed{}
	runnerA := &fakeRunner{err: upstreamRateLimited(), flipOn: flushed}
	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error) {
		return runnerA, nil
	}

	exec := New(r, quota, build, DefaultMaxAttempts, clockAt(1000))
	_, err := exec.Run(context.Background(), &pipeline.Envelope{RequestID: "req-3"}, config.RouteDefault, flushed)
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, routeerr.CodeStreamTruncated, rcErr.Code)
	require.Equal(t, 1, runnerA.executed, "no second attempt may run once first byte was flushed")
}

// When every provider keeps failing retryably, Run gives up after
// maxAttempts and reports FailoverExhausted.
func TestRunBoundedAttemptsExhausted(t *testing.T) {
	cc := cfgWithPool(config.ModeRoundRobin,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := router.New(func() *configview.View { return view }, &fakeQuota{})
	quota := &fakeQuota{}

	attempts := 0
	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error) {
		attempts++
		return &fakeRunner{err: upstreamRateLimited()}, nil
	}

	exec := New(r, quota, build, 2, clockAt(1000))
	_, err := exec.Run(context.Background(), &pipeline.Envelope{RequestID: "req-4"}, config.RouteDefault, nil)
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, routeerr.CodeFailoverExhausted, rcErr.Code)
	require.Equal(t, 2, attempts)
}

// Excluded providers accumulate across attempts within one Run call
// and are never reconsidered, even across three siblings.
func TestRunExclusionMonotonicityAcrossAttempts(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
		config.RouteTarget{ProviderID: "c", ModelID: "c"},
	)
	view := configview.NewStore(cc).Load()
	r := router.New(func() *configview.View { return view }, &fakeQuota{})
	quota := &fakeQuota{}

	var seen []string
	want := &pipeline.Envelope{RequestID: "req-5"}
	build := func(ctx context.Context, target router.Target, env *pipeline.Envelope) (Runner, error) {
		seen = append(seen, target.ProviderID)
		if target.ProviderID == "c" {
			return &fakeRunner{out: want}, nil
		}
		return &fakeRunner{err: upstreamRateLimited()}, nil
	}

	exec := New(r, quota, build, DefaultMaxAttempts, clockAt(1000))
	out, err := exec.Run(context.Background(), &pipeline.Envelope{RequestID: "req-5"}, config.RouteDefault, nil)
	require.NoError(t, err)
	require.Equal(t, want, out)
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestEstimateTokensUsesTiktokenEncodingWhenAvailable(t *testing.T) {
	env := &pipeline.Envelope{Messages: []pipeline.Message{{Role: "user", Content: "The quick brown fox jumps over the lazy dog."}}}
	got := estimateTokens(env)
	require.Greater(t, got, int64(0))
	if tokenEncoding != nil {
		// cl100k_base splits this sentence into 10 tokens, fewer than
		// len/4 would (11), proving the encoder path ran.
		require.Less(t, got, int64(len(env.Messages[0].Content)/4))
	}
}

func TestEstimateTokensEmptyMessagesIsZero(t *testing.T) {
	require.Equal(t, int64(0), estimateTokens(&pipeline.Envelope{}))
}
