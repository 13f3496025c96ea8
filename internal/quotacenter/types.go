// Package quotacenter implements C3, the per-provider state machine
// deciding which providers are eligible at any instant: cooldown
// schedule, quota windows, blacklist, persistence.
//
// Structurally this mirrors circuitbreaker.Breaker (state enum, single
// mutex-guarded struct, setState/OnStateChange callback shape) and a
// sliding-window health counter, generalized from a binary open/closed
// breaker and a QPS-only window into RouteCodex's richer
// reason/series/window/penalty state. It is not a breaker.CircuitBreaker:
// its transition rules are its own cooldown/quota/blacklist model, not
// breaker.go's threshold/reset-timeout rules.
package quotacenter

import "github.com/routecodex/routecodex/internal/routeerr"

// Reason is why a provider is or is not in the eligible pool.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonCooldown      Reason = "cooldown"
	ReasonBlacklist     Reason = "blacklist"
	ReasonQuotaDepleted Reason = "quotaDepleted"
	ReasonFatal         Reason = "fatal"
	ReasonAuthVerify    Reason = "authVerify"
)

// AuthType mirrors the credential variant at a coarser grain for
// quota-state bookkeeping.
type AuthType string

const (
	AuthTypeAPIKey  AuthType = "apikey"
	AuthTypeOAuth   AuthType = "oauth"
	AuthTypeUnknown AuthType = "unknown"
)

// Series re-exports routeerr.Series so callers of this package don't
// need to import routeerr just to read a ProviderQuotaState.
type Series = routeerr.Series

const (
	SeriesFatal = routeerr.SeriesFatal
	Series429   = routeerr.Series429
	Series5XX   = routeerr.Series5XX
	SeriesNet   = routeerr.SeriesNet
	SeriesOther = routeerr.SeriesOther
	SeriesNone  = routeerr.SeriesNone
)

// Limits are the optional hard/soft caps from config.QuotaLimits,
// copied in at construction so the hot path never touches ConfigView.
type Limits struct {
	RateLimitPerMinute  int
	TokenLimitPerMinute int
	TotalTokenLimit     int64

	// DailyResetEnabled/DailyResetMinuteUTC implement a per-key daily
	// token-limit reset: disabled unless explicitly turned on by config,
	// so the zero-value Limits{} used for not-yet-registered providers
	// never triggers a reset.
	DailyResetEnabled   bool
	DailyResetMinuteUTC int // minutes since UTC midnight
}

// ProviderQuotaState is C3's owned per-providerKey record.
type ProviderQuotaState struct {
	ProviderKey string   `json:"provider_key"`
	InPool      bool     `json:"in_pool"`
	Reason      Reason   `json:"reason"`
	AuthType    AuthType `json:"auth_type"`

	Limits Limits `json:"limits"`

	WindowStartMs      int64 `json:"window_start_ms"`
	RequestsThisWindow int   `json:"requests_this_window"`
	TokensThisWindow   int64 `json:"tokens_this_window"`
	TotalTokensUsed    int64 `json:"total_tokens_used"`

	CooldownUntilMs  int64 `json:"cooldown_until_ms,omitempty"`
	BlacklistUntilMs int64 `json:"blacklist_until_ms,omitempty"`

	LastErrorSeries       Series `json:"last_error_series,omitempty"`
	LastErrorCode         string `json:"last_error_code,omitempty"`
	LastErrorAtMs         int64  `json:"last_error_at_ms,omitempty"`
	ConsecutiveErrorCount int    `json:"consecutive_error_count"`

	PriorityTier int `json:"priority_tier"`

	LastDailyResetAtMs int64 `json:"last_daily_reset_at_ms,omitempty"`
}

// clone returns a deep-enough copy for copy-on-read snapshot handoff:
// readers receive consistent snapshots via copy-on-read of the state
// struct.
func (s ProviderQuotaState) clone() ProviderQuotaState {
	return s
}

// newState is the zero state for a providerKey not yet seen.
func newState(providerKey string, authType AuthType, limits Limits, priorityTier int) ProviderQuotaState {
	return ProviderQuotaState{
		ProviderKey:  providerKey,
		InPool:       true,
		Reason:       ReasonOK,
		AuthType:     authType,
		Limits:       limits,
		PriorityTier: priorityTier,
	}
}

// Eligibility is the public reader's answer to eligible(providerKey, nowMs).
type Eligibility struct {
	OK           bool
	Reason       Reason
	RetryAfterMs int64
}
