// Package runtime wires C1..C9 into one explicit dependency graph. No
// package-level singletons: every collaborator is constructed here and
// threaded through by value with explicit field-by-field construction,
// no init() magic, one Start/Shutdown lifecycle.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/credentialstore"
	"github.com/routecodex/routecodex/internal/failover"
	"github.com/routecodex/routecodex/internal/gateway"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/routecodex/routecodex/internal/snapshot"
)

// Options configures one Runtime construction.
type Options struct {
	Config         *config.CanonicalConfig
	Logger         *zap.Logger
	DataDir        string // "<userDir>/quota"
	AdminJWTSecret string
	Version        string
	SnapshotEvery  time.Duration
	MaxAttempts    int
	MongoURI       string // empty disables the MongoErrorSink mirror
	MongoDatabase  string
	MongoColl      string
}

// Runtime holds every constructed collaborator plus the background
// tasks (snapshot ticker, quota expiry tick) Start/Shutdown manage.
type Runtime struct {
	Gateway  *gateway.Gateway
	Quota    *quotacenter.Center
	Snapshot *snapshot.Writer
	store    *configview.Store
	logger   *zap.Logger
}

// New builds the full dependency graph and reconciles C3 from any
// existing on-disk snapshot. It does not start background goroutines;
// call Start for that.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := configview.NewStore(opts.Config)
	view := store.Load()

	creds := credentialstore.New(logger, nil, nil)
	if err := verifyCredentials(ctx, view, creds); err != nil {
		return nil, err
	}

	priorStates, err := snapshot.Load(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	// snapWriter is assigned below; quota needs its AppendError as an
	// error sink at construction time, so this closure breaks the
	// circular dependency (the actor goroutine cannot deliver an
	// ErrorEvent before the assignment a few lines down completes).
	var snapWriter *snapshot.Writer
	errorSink := func(ev quotacenter.ErrorEvent) {
		if snapWriter != nil {
			snapWriter.AppendError(ev)
		}
	}

	quota := quotacenter.New(logger, quotacenter.WithErrorSink(errorSink))
	for _, p := range view.Providers() {
		limits, authType := toQuotaLimits(p)
		quota.Submit(quotacenter.RegisterEvent{
			ProviderKey:  p.ID,
			AuthType:     authType,
			Limits:       limits,
			PriorityTier: p.Priority,
		})
	}
	if priorStates != nil {
		quota.LoadSnapshot(priorStates, time.Now().UnixMilli())
	}

	snapWriter = snapshot.New(opts.DataDir, quota, opts.SnapshotEvery, logger, snapshotOptions(ctx, opts, logger)...)
	if err := snapWriter.Open(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	viewFn := func() *configview.View { return view }
	r := router.New(viewFn, quota)

	build := buildFunc(viewFn, creds, logger)

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = failover.DefaultMaxAttempts
	}
	exec := failover.New(r, quota, build, maxAttempts, func() int64 { return time.Now().UnixMilli() })

	admin := gateway.AdminAuth{}
	if opts.AdminJWTSecret != "" {
		admin.Secret = []byte(opts.AdminJWTSecret)
	}

	collector := metrics.NewCollector("routecodex", logger)
	gw := gateway.New(exec, quota, viewFn, admin, opts.Version, logger, time.Now, collector)

	return &Runtime{
		Gateway:  gw,
		Quota:    quota,
		Snapshot: snapWriter,
		store:    store,
		logger:   logger,
	}, nil
}

func snapshotOptions(ctx context.Context, opts Options, logger *zap.Logger) []snapshot.Option {
	if opts.MongoURI == "" {
		return nil
	}
	sink, err := snapshot.NewMongoErrorSink(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoColl, 64<<20, logger)
	if err != nil {
		logger.Warn("mongo error sink unavailable, continuing with NDJSON only", zap.Error(err))
		return nil
	}
	return []snapshot.Option{snapshot.WithErrorSink(sink)}
}

// Start runs the snapshot ticker, and sends C3 a TickEvent once a
// second, until ctx is cancelled; callers typically run this in its own
// goroutine alongside the HTTP server.
func (rt *Runtime) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rt.Quota.Submit(quotacenter.TickEvent{NowMs: now.UnixMilli()})
			}
		}
	}()
	return rt.Snapshot.Run(ctx)
}

// Shutdown releases the snapshot log handle and stops the quota actor.
func (rt *Runtime) Shutdown() error {
	rt.Quota.Close()
	return rt.Snapshot.Close()
}

// Reload swaps in a freshly parsed config without restarting the
// process.
func (rt *Runtime) Reload(cc *config.CanonicalConfig) {
	rt.store.Reload(cc)
}

// verifyCredentials resolves every configured provider's credential
// once at startup, exiting with code 3 if one is missing, rather than
// discovering a MissingCredential only on the first inbound request.
func verifyCredentials(ctx context.Context, view *configview.View, creds *credentialstore.Store) error {
	for _, p := range view.Providers() {
		if p.CredentialRef == "" {
			continue
		}
		cred, ok := view.Credential(p.CredentialRef)
		if !ok {
			return routeerr.New(routeerr.CodeMissingCredential, "no credential configured for provider").
				WithSeries(routeerr.SeriesFatal).WithFatal(true).WithRetryable(false).
				WithProviderKey(p.ID)
		}
		if _, err := creds.Resolve(ctx, p, cred); err != nil {
			return err
		}
	}
	return nil
}

// toQuotaLimits bridges config.QuotaLimits's wall-clock daily-reset
// fields to quotacenter.Limits's UTC-minute representation, and infers
// a coarse AuthType from the provider's credential variant.
func toQuotaLimits(p config.Provider) (quotacenter.Limits, quotacenter.AuthType) {
	limits := quotacenter.Limits{
		RateLimitPerMinute:  p.Limits.RateLimitPerMinute,
		TokenLimitPerMinute: p.Limits.TokenLimitPerMinute,
		TotalTokenLimit:     p.Limits.TotalTokenLimit,
	}
	if minute, ok := parseDailyResetTime(p.Limits.DailyResetTime, p.Limits.DailyResetTZ); ok {
		limits.DailyResetEnabled = true
		limits.DailyResetMinuteUTC = minute
	}
	return limits, authTypeForCredentialRef(p.CredentialRef)
}

// parseDailyResetTime converts a provider-local "HH:MM" plus IANA zone
// name into minutes-since-UTC-midnight. An empty time disables reset.
func parseDailyResetTime(hhmm, tz string) (int, bool) {
	if hhmm == "" {
		return 0, false
	}
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}

	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	// Anchor on a fixed reference date; only the UTC offset at that
	// moment matters, and DST drift across the year is an accepted
	// simplification for this coarse reset-clock.
	ref := time.Date(2000, 1, 1, hour, minute, 0, 0, loc)
	utcMinuteOfDay := ref.UTC().Hour()*60 + ref.UTC().Minute()
	return utcMinuteOfDay, true
}

func authTypeForCredentialRef(ref string) quotacenter.AuthType {
	switch {
	case ref == "":
		return quotacenter.AuthTypeUnknown
	case strings.Contains(ref, "oauth"):
		return quotacenter.AuthTypeOAuth
	default:
		return quotacenter.AuthTypeAPIKey
	}
}

// buildFunc constructs failover.BuildFunc: per attempt, resolve the
// credential for the picked target and assemble a fresh *hub.Pipeline
// bound to that provider's endpoint and timeouts.
func buildFunc(viewFn func() *configview.View, creds *credentialstore.Store, logger *zap.Logger) failover.BuildFunc {
	return func(ctx context.Context, target router.Target, env *pipeline.Envelope) (failover.Runner, error) {
		view := viewFn()
		cred, ok := view.Credential(target.Provider.CredentialRef)
		if !ok {
			return nil, routeerr.New(routeerr.CodeMissingCredential, "no credential configured for provider").
				WithSeries(routeerr.SeriesFatal).WithFatal(true).WithRetryable(false).
				WithProviderKey(target.ProviderKey)
		}
		mat, err := creds.Resolve(ctx, target.Provider, cred)
		if err != nil {
			return nil, err
		}

		path := entryPath(view, target.Provider, env.EntryProtocol)
		timeouts := pipeline.HTTPTimeouts{
			ConnectTimeout:    target.Provider.ConnectTimeout,
			HeadersTimeout:    target.Provider.HeadersTimeout,
			StreamIdleTimeout: target.Provider.StreamIdleTimeout,
		}

		p := hub.New(
			pipeline.NewLLMSwitch(),
			pipeline.NewCompatibility(pipeline.ShapeFilter{}),
			pipeline.NewProviderStage(target.Provider.BaseURL, path, mat.HeaderName, mat.HeaderValue),
			pipeline.NewProviderHTTP(timeouts),
			hub.ModeVerbatimStream,
		)
		if err := p.Initialize(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// entryPath looks up the (providerFamily, clientProtocol) template for
// a request path override; falls back to the conventional path for the
// entry protocol when no template is configured.
func entryPath(view *configview.View, provider config.Provider, entryProtocol string) string {
	if tmpl, ok := view.Template(provider.Family, entryProtocol); ok {
		if cfg, ok := tmpl.Slots[config.SlotProvider]; ok {
			if p := cfg.Params["path"]; p != "" {
				return p
			}
		}
	}
	switch entryProtocol {
	case "anthropic-messages":
		return "/v1/messages"
	case "openai-responses":
		return "/v1/responses"
	default:
		return "/v1/chat/completions"
	}
}
