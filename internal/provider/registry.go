package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/secrets"
)

// Factory hands out a ready adapter for a provider kind. The orchestrator
// depends on this interface so tests can substitute mocks.
type Factory interface {
	Adapter(kind schemas.ProviderKind) (schemas.Adapter, error)
}

// Registry builds adapters from configuration. Credentials are decrypted at
// construction time of each adapter, so plaintext keys exist only while a
// request is being served, never at rest.
type Registry struct {
	cfg    config.ProvidersConfig
	store  *secrets.Store
	logger *zap.Logger

	builders map[schemas.ProviderKind]func() schemas.Adapter
}

// NewRegistry wires one builder per supported backend. Adding a backend means
// adding one entry here; dispatch sites go through Adapter.
func NewRegistry(cfg config.ProvidersConfig, store *secrets.Store, logger *zap.Logger) *Registry {
	r := &Registry{cfg: cfg, store: store, logger: logger}
	r.builders = map[schemas.ProviderKind]func() schemas.Adapter{
		schemas.ProviderLocal: func() schemas.Adapter {
			return NewLocal(cfg.Local.BaseURL, logger)
		},
		schemas.ProviderGroq: func() schemas.Adapter {
			return NewGroq(cfg.Groq.Model, store.Decrypt(cfg.Groq.EncryptedAPIKey), logger)
		},
		schemas.ProviderOpenAI: func() schemas.Adapter {
			return NewOpenAI(cfg.OpenAI.Model, store.Decrypt(cfg.OpenAI.EncryptedAPIKey), logger)
		},
		schemas.ProviderDeepseek: func() schemas.Adapter {
			return NewDeepseek(cfg.Deepseek.Model, store.Decrypt(cfg.Deepseek.EncryptedAPIKey), logger)
		},
		schemas.ProviderCustom: func() schemas.Adapter {
			return NewCustom(cfg.Custom.Endpoint, cfg.Custom.Model,
				store.Decrypt(cfg.Custom.EncryptedAPIKey), cfg.Custom.Headers, logger)
		},
	}
	return r
}

// Adapter returns a freshly built adapter for kind.
func (r *Registry) Adapter(kind schemas.ProviderKind) (schemas.Adapter, error) {
	build, ok := r.builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown or unsupported provider: %q", kind)
	}
	return build(), nil
}
