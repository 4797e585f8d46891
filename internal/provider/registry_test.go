package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/secrets"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig().Providers
	return NewRegistry(cfg, secrets.New(false, "", logger), logger)
}

func TestRegistry_BuildsEveryKind(t *testing.T) {
	registry := newTestRegistry(t)

	for _, kind := range []schemas.ProviderKind{
		schemas.ProviderLocal,
		schemas.ProviderGroq,
		schemas.ProviderOpenAI,
		schemas.ProviderDeepseek,
		schemas.ProviderCustom,
	} {
		adapter, err := registry.Adapter(kind)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, adapter.Kind())
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Adapter(schemas.ProviderKind("mistral"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown or unsupported provider")
}

func TestRegistry_DecryptsCredential(t *testing.T) {
	logger := zaptest.NewLogger(t)
	secretStore := secrets.New(true, "", logger)

	envelope, err := secretStore.Encrypt("gsk-live-key")
	require.NoError(t, err)

	cfg := config.NewDefaultConfig().Providers
	cfg.Groq.EncryptedAPIKey = envelope

	registry := NewRegistry(cfg, secretStore, logger)
	adapter, err := registry.Adapter(schemas.ProviderGroq)
	require.NoError(t, err)

	hosted, ok := adapter.(*hostedAdapter)
	require.True(t, ok)
	assert.Equal(t, "gsk-live-key", hosted.apiKey)
}
