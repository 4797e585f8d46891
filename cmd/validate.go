package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/observability"
	"github.com/pagebrain/capd/internal/secrets"
	"github.com/pagebrain/capd/internal/validate"
)

// newValidateCmd creates the `validate` command, a one-shot connection check
// for a configured provider.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [provider]",
		Short: "Checks connectivity for a configured provider",
		Long: `Probes the given provider (local, groq, openai, deepseek or custom)
using the configured credentials and reports whether it is usable. With no
argument the default provider is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			kind := cfg.Providers.Default
			if len(args) > 0 {
				kind = schemas.ProviderKind(args[0])
			}
			if !kind.Valid() {
				return fmt.Errorf("unknown provider %q", kind)
			}

			logger := observability.GetLogger()
			secretStore := secrets.New(cfg.Providers.EncryptionEnabled, "", logger)
			validator := validate.New(validate.SettingsTimeout, logger)

			var result schemas.ValidationResult
			if kind == schemas.ProviderLocal {
				result = validator.ValidateLocal(cmd.Context(), cfg.Providers.Local.BaseURL)
			} else {
				req := validate.Request{Provider: kind}
				switch kind {
				case schemas.ProviderGroq:
					req.APIKey = secretStore.Decrypt(cfg.Providers.Groq.EncryptedAPIKey)
				case schemas.ProviderOpenAI:
					req.APIKey = secretStore.Decrypt(cfg.Providers.OpenAI.EncryptedAPIKey)
				case schemas.ProviderDeepseek:
					req.APIKey = secretStore.Decrypt(cfg.Providers.Deepseek.EncryptedAPIKey)
				case schemas.ProviderCustom:
					req.APIKey = secretStore.Decrypt(cfg.Providers.Custom.EncryptedAPIKey)
					req.Endpoint = cfg.Providers.Custom.Endpoint
					req.Headers = cfg.Providers.Custom.Headers
				}
				result = validator.Validate(cmd.Context(), req)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Providers.DisplayName(kind), result.Message)
			if !result.IsValid {
				return fmt.Errorf("validation failed for %s", kind)
			}
			return nil
		},
	}
}
