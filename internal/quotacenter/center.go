// Package quotacenter: Center is the single-actor implementation of
// C3. Structurally it is a single mutex-guarded struct like
// circuitbreaker.Breaker, but the state-transition rules below are
// RouteCodex's own (cooldown schedule, error-chain window, manual
// blacklist rigidity), not breaker.go's threshold/reset-timeout model.
package quotacenter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Center owns all ProviderQuotaState. All mutation happens on one
// goroutine draining events; reads take a read lock over a plain map,
// which is safe because the actor goroutine is the map's only writer:
// C3 runs as a single serialized actor.
type Center struct {
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]ProviderQuotaState

	events chan any
	done   chan struct{}

	onError func(ErrorEvent) // forwarded to C9's append-only log, never blocking
}

// Option configures a Center at construction.
type Option func(*Center)

// WithErrorSink registers a callback invoked synchronously on the
// actor goroutine for every accepted ErrorEvent, used by C9 to append
// to provider-errors.ndjson. It must not block or mutate Center state.
func WithErrorSink(fn func(ErrorEvent)) Option {
	return func(c *Center) { c.onError = fn }
}

// New constructs a Center and starts its actor goroutine. Call Close
// to stop it during graceful shutdown.
func New(logger *zap.Logger, opts ...Option) *Center {
	c := &Center{
		logger: logger.With(zap.String("component", "quotacenter")),
		states: make(map[string]ProviderQuotaState),
		events: make(chan any, 4096),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// LoadSnapshot seeds the Center from a persisted snapshot (C9 startup
// path). It must be called before the actor starts handling live
// traffic events; the caller passes nowMs so the loaded states are
// immediately passed through the tick reconciliation before becoming
// live.
func (c *Center) LoadSnapshot(states map[string]ProviderQuotaState, nowMs int64) {
	c.mu.Lock()
	for k, v := range states {
		c.states[k] = v
	}
	c.mu.Unlock()
	c.Submit(TickEvent{NowMs: nowMs})
}

// Submit enqueues an event for serialized processing. It never blocks
// the caller beyond the channel's buffer; a full buffer indicates the
// actor is starved and the event is dropped with a warning rather than
// stalling the request path: C3 interaction is send-only.
func (c *Center) Submit(ev any) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("quotacenter event dropped: actor backlog full")
	}
}

// Close stops the actor goroutine.
func (c *Center) Close() {
	close(c.events)
	<-c.done
}

func (c *Center) run() {
	defer close(c.done)
	for ev := range c.events {
		switch e := ev.(type) {
		case RegisterEvent:
			c.handleRegister(e)
		case UsageEvent:
			c.handleUsage(e)
		case SuccessEvent:
			c.handleSuccess(e)
		case ErrorEvent:
			c.handleError(e)
		case TickEvent:
			c.handleTick(e)
		case SetBlacklistEvent:
			c.handleSetBlacklist(e)
		default:
			c.logger.Warn("quotacenter: unknown event type")
		}
	}
}

func (c *Center) handleRegister(e RegisterEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[e.ProviderKey]; ok {
		return
	}
	c.states[e.ProviderKey] = newState(e.ProviderKey, e.AuthType, e.Limits, e.PriorityTier)
}

// tickWindow slides the one-minute counting window if ≥60s elapsed.
func tickWindow(s *ProviderQuotaState, nowMs int64) {
	const windowMs = 60_000
	if s.WindowStartMs == 0 {
		s.WindowStartMs = nowMs
		return
	}
	if nowMs-s.WindowStartMs >= windowMs {
		s.WindowStartMs = nowMs
		s.RequestsThisWindow = 0
		s.TokensThisWindow = 0
	}
}

func (c *Center) handleUsage(e UsageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[e.ProviderKey]
	if !ok {
		s = newState(e.ProviderKey, AuthTypeUnknown, Limits{}, 0)
	}

	tickWindow(&s, e.NowMs)
	s.RequestsThisWindow++
	s.TokensThisWindow += e.RequestedTokens
	s.TotalTokensUsed += e.RequestedTokens

	if hardLimitExceeded(s) {
		s.Reason = ReasonQuotaDepleted
		s.InPool = false
	}

	c.states[e.ProviderKey] = s
}

func hardLimitExceeded(s ProviderQuotaState) bool {
	if s.Limits.RateLimitPerMinute > 0 && s.RequestsThisWindow > s.Limits.RateLimitPerMinute {
		return true
	}
	if s.Limits.TokenLimitPerMinute > 0 && s.TokensThisWindow > int64(s.Limits.TokenLimitPerMinute) {
		return true
	}
	if s.Limits.TotalTokenLimit > 0 && s.TotalTokensUsed > s.Limits.TotalTokenLimit {
		return true
	}
	return false
}

func (c *Center) handleSuccess(e SuccessEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[e.ProviderKey]
	if !ok {
		s = newState(e.ProviderKey, AuthTypeUnknown, Limits{}, 0)
	}
	s.TotalTokensUsed += e.UsedTokens
	s.ConsecutiveErrorCount = 0
	s.LastErrorSeries = SeriesNone
	s.LastErrorAtMs = 0

	withinBlacklist := s.BlacklistUntilMs > e.NowMs
	switch {
	case withinBlacklist:
		// totals already updated above; reason/inPool untouched: a manual
		// blacklist overrides cooldown recovery.
	case s.Reason == ReasonCooldown || (s.CooldownUntilMs > 0 && s.CooldownUntilMs <= e.NowMs):
		s.Reason = ReasonOK
		s.InPool = true
		s.CooldownUntilMs = 0
	}
	c.states[e.ProviderKey] = s
}

func (c *Center) handleError(e ErrorEvent) {
	c.mu.Lock()
	s, ok := c.states[e.ProviderKey]
	if !ok {
		s = newState(e.ProviderKey, AuthTypeUnknown, Limits{}, 0)
	}

	series := normalizeErrorSeries(ErrorInput{HTTPStatus: e.HTTPStatus, Code: e.Code, Message: e.Message, Fatal: e.Fatal})

	withinBlacklist := s.BlacklistUntilMs > e.NowMs
	advanceErrorChain(&s, series, e.Code, e.NowMs)

	if withinBlacklist {
		// only error-chain counters change, every other field is untouched.
		c.states[e.ProviderKey] = s
		c.mu.Unlock()
		c.notifyError(e)
		return
	}

	step := cooldownStep(series, s.ConsecutiveErrorCount)
	candidate := e.NowMs + step.Milliseconds()
	if candidate > s.CooldownUntilMs {
		s.CooldownUntilMs = candidate // never decreases within a chain.
	}

	if series == SeriesFatal {
		s.Reason = ReasonFatal
	} else {
		s.Reason = ReasonCooldown
	}
	s.InPool = false

	c.states[e.ProviderKey] = s
	c.mu.Unlock()
	c.notifyError(e)
}

// advanceErrorChain applies the 10-minute error-chain window rule
// shared by both the blacklisted and normal ErrorEvent paths.
func advanceErrorChain(s *ProviderQuotaState, series Series, code string, nowMs int64) {
	if s.LastErrorSeries == series && s.LastErrorAtMs > 0 && nowMs-s.LastErrorAtMs <= errorChainWindow.Milliseconds() {
		s.ConsecutiveErrorCount++
	} else {
		s.ConsecutiveErrorCount = 1
	}
	s.LastErrorSeries = series
	s.LastErrorCode = code
	s.LastErrorAtMs = nowMs
}

func (c *Center) notifyError(e ErrorEvent) {
	if c.onError != nil {
		c.onError(e)
	}
}

func (c *Center) handleTick(e TickEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.states {
		if s.BlacklistUntilMs > 0 && s.BlacklistUntilMs <= e.NowMs {
			s.BlacklistUntilMs = 0
			s.ConsecutiveErrorCount = 0
			s.LastErrorSeries = SeriesNone
			s.LastErrorAtMs = 0
			if s.CooldownUntilMs == 0 {
				s.Reason = ReasonOK
				s.InPool = true
			}
		}
		if s.CooldownUntilMs > 0 && s.CooldownUntilMs <= e.NowMs {
			s.CooldownUntilMs = 0
			if s.Reason == ReasonCooldown || s.Reason == ReasonFatal {
				s.Reason = ReasonOK
				s.InPool = true
			}
		}

		if dailyResetDue(s, e.NowMs) {
			s.TotalTokensUsed = 0
			s.LastDailyResetAtMs = e.NowMs
			if s.Reason == ReasonQuotaDepleted {
				s.Reason = ReasonOK
				s.InPool = true
			}
		}

		// An active penalty always forces inPool=false, regardless of how
		// the state was loaded (e.g. from a stale snapshot).
		activePenalty := s.CooldownUntilMs > e.NowMs || s.BlacklistUntilMs > e.NowMs
		if activePenalty {
			s.InPool = false
		} else if s.Reason == ReasonOK {
			s.InPool = true
		}

		c.states[key] = s
	}
}

// dailyResetDue implements the supplemented apikeyDailyResetTime
// semantics: a wall-clock-UTC daily reset of totalTokensUsed, honored
// only when Limits.DailyResetMinuteUTC is configured (>=0). It fires
// once per calendar day, the first tick whose UTC time-of-day has
// passed the configured minute since the last reset.
func dailyResetDue(s ProviderQuotaState, nowMs int64) bool {
	if !s.Limits.DailyResetEnabled {
		return false
	}
	now := time.UnixMilli(nowMs).UTC()
	resetToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		Add(time.Duration(s.Limits.DailyResetMinuteUTC) * time.Minute)
	if now.Before(resetToday) {
		return false
	}
	return s.LastDailyResetAtMs < resetToday.UnixMilli()
}

func (c *Center) handleSetBlacklist(e SetBlacklistEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[e.ProviderKey]
	if !ok {
		s = newState(e.ProviderKey, AuthTypeUnknown, Limits{}, 0)
	}
	s.BlacklistUntilMs = e.UntilMs
	if e.UntilMs > 0 {
		s.Reason = ReasonBlacklist
		s.InPool = false
	} else if s.CooldownUntilMs == 0 {
		s.Reason = ReasonOK
		s.InPool = true
	}
	c.states[e.ProviderKey] = s
}

// Eligible is C3's public, lock-free-to-callers eligibility reader.
func (c *Center) Eligible(_ context.Context, providerKey string, nowMs int64) Eligibility {
	c.mu.RLock()
	s, ok := c.states[providerKey]
	c.mu.RUnlock()
	if !ok {
		return Eligibility{OK: true, Reason: ReasonOK}
	}
	if s.InPool && s.Reason == ReasonOK {
		return Eligibility{OK: true, Reason: ReasonOK}
	}
	retryAfter := s.CooldownUntilMs
	if s.BlacklistUntilMs > retryAfter {
		retryAfter = s.BlacklistUntilMs
	}
	if retryAfter > nowMs {
		retryAfter -= nowMs
	} else {
		retryAfter = 0
	}
	return Eligibility{OK: false, Reason: s.Reason, RetryAfterMs: retryAfter}
}

// State returns a copy-on-read snapshot of one provider's state, used
// by C6's selection pass and the /admin/providers handler.
func (c *Center) State(providerKey string) (ProviderQuotaState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[providerKey]
	return s.clone(), ok
}

// Snapshot returns a copy of the full state map for C9 persistence.
func (c *Center) Snapshot() map[string]ProviderQuotaState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProviderQuotaState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// Summary implements GET /health's "C3.summary()" — a coarse count by
// reason, cheap enough to compute on every health check.
type Summary struct {
	Total    int            `json:"total"`
	ByReason map[Reason]int `json:"by_reason"`
	InPool   int            `json:"in_pool"`
}

func (c *Center) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sum := Summary{ByReason: make(map[Reason]int)}
	for _, s := range c.states {
		sum.Total++
		sum.ByReason[s.Reason]++
		if s.InPool {
			sum.InPool++
		}
	}
	return sum
}
