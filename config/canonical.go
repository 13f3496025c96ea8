// Package config loads and validates the CanonicalConfig that the
// RouteCodex core consumes. Loading and schema validation are
// explicitly out of scope for the core: this package is the external
// collaborator that produces a CanonicalConfig (LoadCanonicalConfig
// parses the YAML and defaults Version to 1; it does no schema
// validation); internal/configview only ever reads one.
package config

import "time"

// AuthVariant names the shape of a Credential.
type AuthVariant string

const (
	AuthAPIKey            AuthVariant = "apikey"
	AuthBearer            AuthVariant = "bearer"
	AuthOAuthTokenFile    AuthVariant = "oauth"
	AuthCookieFile        AuthVariant = "cookie"
	AuthDeepSeekAccount   AuthVariant = "deepseek-account"
	AuthAntigravityOAuth  AuthVariant = "antigravity-oauth"
)

// Credential is the material used to authenticate to a provider, in
// one of the variants AuthVariant names.
type Credential struct {
	Ref     string      `yaml:"ref"`
	Variant AuthVariant `yaml:"variant"`
	Alias   string      `yaml:"alias"`

	// apikey / bearer
	Header string `yaml:"header"`
	Prefix string `yaml:"prefix"`
	Value  string `yaml:"value"`

	// bearer
	ExpiresAt *time.Time `yaml:"expires_at"`

	// oauth / cookie / deepseek-account / antigravity-oauth
	TokenFile     string `yaml:"token_file"`
	RefreshPolicy string `yaml:"refresh_policy"`
}

// ModelEntry is one model-catalog row for a Provider.
type ModelEntry struct {
	ID         string `yaml:"id"`
	MaxContext int    `yaml:"max_context"`
}

// QuotaLimits are the optional hard/soft limits a Provider's quota state
// enforces; all are optional (zero means unset/unbounded).
type QuotaLimits struct {
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	TokenLimitPerMinute int    `yaml:"token_limit_per_minute"`
	TotalTokenLimit     int64  `yaml:"total_token_limit"`
	// DailyResetTime is "HH:MM" provider-local wall-clock time at which
	// totalTokensUsed resets and quotaDepleted clears. Empty disables
	// auto-reset.
	DailyResetTime string `yaml:"daily_reset_time"`
	DailyResetTZ   string `yaml:"daily_reset_timezone"`
}

// Provider is the identity of an upstream service.
type Provider struct {
	ID                string            `yaml:"id"`
	Family            string            `yaml:"family"`
	BaseURL           string            `yaml:"base_url"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	ConnectTimeout    time.Duration     `yaml:"connect_timeout"`
	HeadersTimeout    time.Duration     `yaml:"headers_timeout"`
	StreamIdleTimeout time.Duration     `yaml:"stream_idle_timeout"`
	SupportsStreaming bool              `yaml:"supports_streaming"`
	CompatProfileID   string            `yaml:"compat_profile_id"`
	CredentialRef     string            `yaml:"credential_ref"`
	Models            []ModelEntry      `yaml:"models"`
	Limits            QuotaLimits       `yaml:"limits"`
	Priority          int               `yaml:"priority"`
	Weight            int               `yaml:"weight"`
	Extra             map[string]string `yaml:"extra"`
}

// Model looks up a model by id.
func (p Provider) Model(id string) (ModelEntry, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// RouteMode selects the VirtualRouter's selection algorithm for a pool.
type RouteMode string

const (
	ModePriority   RouteMode = "priority"
	ModeRoundRobin RouteMode = "roundRobin"
	ModeWeighted   RouteMode = "weighted"
)

// RouteTarget is one `providerId.modelId` candidate inside a RoutePool.
type RouteTarget struct {
	ProviderID string `yaml:"provider_id"`
	ModelID    string `yaml:"model_id"`
	Weight     int    `yaml:"weight"`
}

// RoutePool is an ordered or weighted set of candidates for one route key.
type RoutePool struct {
	PoolID string        `yaml:"pool_id"`
	Mode   RouteMode     `yaml:"mode"`
	Targets []RouteTarget `yaml:"targets"`

	// ShadowPoolID names another pool for shadow traffic. It is parsed
	// and kept in the config; the router does not read it, so no shadow
	// execution or response diffing happens for this pool.
	ShadowPoolID string `yaml:"shadow_pool_id"`
}

// RouteKey is the recognized set of semantic labels a request classifies into.
type RouteKey string

const (
	RouteDefault     RouteKey = "default"
	RouteThinking    RouteKey = "thinking"
	RouteCoding      RouteKey = "coding"
	RouteLongContext RouteKey = "longcontext"
	RouteTools       RouteKey = "tools"
	RouteVision      RouteKey = "vision"
	RouteWebSearch   RouteKey = "websearch"
	RouteBackground  RouteKey = "background"
	RouteWebSearch2  RouteKey = "web_search"
)

// RouteTable maps a route key to its ordered pool list.
type RouteTable map[RouteKey][]RoutePool

// ModuleSlot names one of the four Hub Pipeline stage slots.
type ModuleSlot string

const (
	SlotLLMSwitch    ModuleSlot = "llmswitch"
	SlotCompatibility ModuleSlot = "compatibility"
	SlotProvider      ModuleSlot = "provider"
	SlotProviderHTTP  ModuleSlot = "providerHttp"
)

// ModuleConfig names one concrete module id plus its per-target config.
type ModuleConfig struct {
	ModuleID string            `yaml:"module_id"`
	Params   map[string]string `yaml:"params"`
}

// PipelineTemplate is the ordered four-slot module chain for one
// (provider family, client protocol) pair.
type PipelineTemplate struct {
	ProviderFamily string                      `yaml:"provider_family"`
	ClientProtocol string                      `yaml:"client_protocol"`
	Slots          map[ModuleSlot]ModuleConfig `yaml:"slots"`
}

// CanonicalConfig is the fully normalized config the core consumes; a
// Loader always yields one.
type CanonicalConfig struct {
	Version     int                `yaml:"version"`
	Providers   []Provider         `yaml:"providers"`
	Credentials []Credential       `yaml:"credentials"`
	Routes      RouteTable         `yaml:"routes"`
	Templates   []PipelineTemplate `yaml:"templates"`
}
