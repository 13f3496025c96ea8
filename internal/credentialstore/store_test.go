package credentialstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveAPIKey(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)
	m, err := s.Resolve(context.Background(),
		config.Provider{ID: "openai"},
		config.Credential{Variant: config.AuthAPIKey, Header: "Authorization", Prefix: "Bearer ", Value: "sk-test"})
	require.NoError(t, err)
	require.Equal(t, "Authorization", m.HeaderName)
	require.Equal(t, "Bearer sk-test", m.HeaderValue)
	require.Equal(t, "openai", m.ScopeTag)
}

func TestResolveAPIKeyWithAlias(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)
	m, err := s.Resolve(context.Background(),
		config.Provider{ID: "openai"},
		config.Credential{Variant: config.AuthAPIKey, Value: "x", Alias: "alias2"})
	require.NoError(t, err)
	require.Equal(t, "openai#alias2", m.ScopeTag)
}

func TestResolveOAuthTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("tok-123"), 0o600))

	s := New(zap.NewNop(), nil, nil)
	m, err := s.Resolve(context.Background(),
		config.Provider{ID: "gemini"},
		config.Credential{Variant: config.AuthOAuthTokenFile, TokenFile: path})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", m.HeaderValue)

	// A second resolve with the same (path, mtime) must hit the cache,
	// not re-read disk: the content changes but the mtime is restored.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tok-456"), 0o600))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	m2, err := s.Resolve(context.Background(),
		config.Provider{ID: "gemini"},
		config.Credential{Variant: config.AuthOAuthTokenFile, TokenFile: path})
	require.NoError(t, err)
	require.Equal(t, m.HeaderValue, m2.HeaderValue)
}

func TestResolveMissingCredentialIsFatal(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)
	_, err := s.Resolve(context.Background(),
		config.Provider{ID: "gemini"},
		config.Credential{Variant: config.AuthOAuthTokenFile, TokenFile: "/nonexistent/path"})
	require.Error(t, err)
	rcErr, ok := routeerr.As(err)
	require.True(t, ok)
	require.Equal(t, routeerr.CodeMissingCredential, rcErr.Code)
	require.True(t, rcErr.Fatal)
	require.False(t, rcErr.Retryable)
}

func TestOverrideTakesPrecedence(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)
	ctx := WithOverride(context.Background(), Override{HeaderName: "X-Api-Key", HeaderValue: "override-val"})
	m, err := s.Resolve(ctx,
		config.Provider{ID: "openai"},
		config.Credential{Variant: config.AuthAPIKey, Value: "ignored"})
	require.NoError(t, err)
	require.Equal(t, "X-Api-Key", m.HeaderName)
	require.Equal(t, "override-val", m.HeaderValue)
}
