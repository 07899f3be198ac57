package keychain

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvProviderResolvesUppercasedKey(t *testing.T) {
	t.Setenv("NOETL_CREDENTIAL_DB_PASSWORD", "s3cret")

	p := EnvProvider{}
	payload, err := p.Resolve(context.Background(), "db-password")
	require.NoError(t, err)
	require.Equal(t, "s3cret", payload["value"])
}

func TestEnvProviderMissingKey(t *testing.T) {
	os.Unsetenv("NOETL_CREDENTIAL_MISSING")
	p := EnvProvider{}
	_, err := p.Resolve(context.Background(), "missing")
	require.Error(t, err)
}

func TestInlineProviderResolvesDeclaredValue(t *testing.T) {
	p := NewInlineProvider(map[string]map[string]any{
		"api-key": {"value": "abc123"},
	})
	payload, err := p.Resolve(context.Background(), "api-key")
	require.NoError(t, err)
	require.Equal(t, "abc123", payload["value"])
}

func TestInlineProviderUndeclaredValue(t *testing.T) {
	p := NewInlineProvider(map[string]map[string]any{})
	_, err := p.Resolve(context.Background(), "absent")
	require.Error(t, err)
}

func TestResolverHasNoProvidersUntilRegistered(t *testing.T) {
	r := NewResolver(nil)
	require.Empty(t, r.providers)
	r.Register(EnvProvider{})
	require.Contains(t, r.providers, "env")
}
