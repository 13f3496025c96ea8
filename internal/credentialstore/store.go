// Package credentialstore implements C2, resolving named credential
// refs to current auth material with TTL refresh hooks.
//
// Uses the masked String() (with HeaderValue excluded from JSON),
// private-context-key pattern for
// secret-masking discipline, and resolves a context override ahead of
// the static descriptor the same way a provider client resolves its
// API key.
package credentialstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/routeerr"
)

// Materialized is the resolved auth material C2 hands back to the
// Provider pipeline stage.
type Materialized struct {
	Variant     config.AuthVariant `json:"variant"`
	HeaderName  string             `json:"header_name"`
	HeaderValue string             `json:"-"` // never logged or JSON-marshaled in full
	ScopeTag    string             `json:"scope_tag"`
}

// String masks the header value so logging a Materialized never leaks
// the credential in full.
func (m Materialized) String() string {
	return fmt.Sprintf("Materialized{variant=%s header=%s value=%s scope=%s}",
		m.Variant, m.HeaderName, maskSecret(m.HeaderValue), m.ScopeTag)
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// overrideKey is a private context-key type, preventing context key
// collisions across packages.
type overrideKey struct{}

// Override lets a caller (e.g. an admin debug request) pin the
// credential used for one request, bypassing ConfigView resolution.
type Override struct {
	HeaderName  string
	HeaderValue string
}

// WithOverride attaches a per-request credential override to ctx.
func WithOverride(ctx context.Context, o Override) context.Context {
	return context.WithValue(ctx, overrideKey{}, o)
}

func overrideFromContext(ctx context.Context) (Override, bool) {
	o, ok := ctx.Value(overrideKey{}).(Override)
	return o, ok
}

// RefreshNotifier is invoked out-of-band when a bearer token is close
// to expiry; refreshing it is explicitly out of core scope, the core
// only emits the signal.
type RefreshNotifier func(ref string, scopeTag string)

const expirySkew = 30 * time.Second

// Store is C2.
type Store struct {
	logger    *zap.Logger
	cache     Backend
	group     singleflight.Group
	onRefresh RefreshNotifier
	cacheTTL  time.Duration
}

// New constructs a Store. cache may be nil, in which case an
// in-process map backend is used.
func New(logger *zap.Logger, cache Backend, onRefresh RefreshNotifier) *Store {
	if cache == nil {
		cache = newMemoryBackend()
	}
	return &Store{
		logger:    logger.With(zap.String("component", "credentialstore")),
		cache:     cache,
		onRefresh: onRefresh,
		cacheTTL:  10 * time.Minute,
	}
}

// Resolve materializes cred for provider; a context Override takes
// precedence over the static descriptor.
func (s *Store) Resolve(ctx context.Context, provider config.Provider, cred config.Credential) (Materialized, error) {
	if o, ok := overrideFromContext(ctx); ok {
		return Materialized{
			Variant:     config.AuthAPIKey,
			HeaderName:  o.HeaderName,
			HeaderValue: o.HeaderValue,
			ScopeTag:    scopeTag(provider.ID, cred.Alias),
		}, nil
	}

	switch cred.Variant {
	case config.AuthAPIKey:
		return Materialized{
			Variant:     cred.Variant,
			HeaderName:  nonEmpty(cred.Header, "Authorization"),
			HeaderValue: cred.Prefix + cred.Value,
			ScopeTag:    scopeTag(provider.ID, cred.Alias),
		}, nil

	case config.AuthBearer:
		if cred.ExpiresAt != nil && time.Until(*cred.ExpiresAt) < expirySkew {
			s.notifyRefresh(cred.Ref, scopeTag(provider.ID, cred.Alias))
		}
		return Materialized{
			Variant:     cred.Variant,
			HeaderName:  "Authorization",
			HeaderValue: "Bearer " + cred.Value,
			ScopeTag:    scopeTag(provider.ID, cred.Alias),
		}, nil

	case config.AuthOAuthTokenFile, config.AuthCookieFile, config.AuthDeepSeekAccount, config.AuthAntigravityOAuth:
		return s.resolveFileBacked(ctx, provider, cred)

	default:
		return Materialized{}, s.missing(provider.ID, cred, fmt.Errorf("unknown credential variant %q", cred.Variant))
	}
}

func (s *Store) resolveFileBacked(ctx context.Context, provider config.Provider, cred config.Credential) (Materialized, error) {
	if cred.TokenFile == "" {
		return Materialized{}, s.missing(provider.ID, cred, fmt.Errorf("credential %q has no token_file", cred.Ref))
	}

	info, err := os.Stat(cred.TokenFile)
	if err != nil {
		return Materialized{}, s.missing(provider.ID, cred, err)
	}
	key := fmt.Sprintf("%s:%d", cred.TokenFile, info.ModTime().UnixNano())

	if m, ok := s.cache.Get(ctx, key); ok {
		m.ScopeTag = scopeTag(provider.ID, cred.Alias)
		return m, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		raw, readErr := os.ReadFile(cred.TokenFile)
		if readErr != nil {
			return nil, readErr
		}
		return string(raw), nil
	})
	if err != nil {
		return Materialized{}, s.missing(provider.ID, cred, err)
	}
	token := v.(string)
	if token == "" {
		return Materialized{}, s.missing(provider.ID, cred, fmt.Errorf("token file %q is empty", cred.TokenFile))
	}

	headerName, headerValue := fileBackedHeader(cred, token)
	m := Materialized{
		Variant:     cred.Variant,
		HeaderName:  headerName,
		HeaderValue: headerValue,
		ScopeTag:    scopeTag(provider.ID, cred.Alias),
	}
	s.cache.Set(ctx, key, m, s.cacheTTL)
	return m, nil
}

func fileBackedHeader(cred config.Credential, token string) (string, string) {
	switch cred.Variant {
	case config.AuthCookieFile:
		return "Cookie", token
	default:
		return nonEmpty(cred.Header, "Authorization"), "Bearer " + token
	}
}

func (s *Store) notifyRefresh(ref, scope string) {
	if s.onRefresh == nil {
		return
	}
	s.onRefresh(ref, scope)
}

// missing fails with MissingCredential when the descriptor resolves to
// a file that is absent or malformed; the caller (C7) treats this as
// an EFATAL on that provider, never as a retryable error.
func (s *Store) missing(providerID string, cred config.Credential, cause error) error {
	s.logger.Warn("missing credential",
		zap.String("provider_id", providerID),
		zap.String("credential_ref", cred.Ref),
		zap.Error(cause),
	)
	return routeerr.New(routeerr.CodeMissingCredential, "credential unavailable").
		WithSeries(routeerr.SeriesFatal).
		WithFatal(true).
		WithRetryable(false).
		WithProviderKey(scopeTag(providerID, cred.Alias)).
		WithCause(cause)
}

// scopeTag is the providerKey granularity from the GLOSSARY:
// "providerId[#credentialAlias]".
func scopeTag(providerID, alias string) string {
	if alias == "" {
		return providerID
	}
	return providerID + "#" + alias
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
