// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pagebrain/capd/api/schemas"
)

// Config is the whole daemon configuration, loaded from a yaml file plus
// CAPD_* environment variables.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// GatewayConfig tunes the local HTTP/WebSocket surface the UI talks to.
type GatewayConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigin   string        `mapstructure:"allowed_origin" yaml:"allowed_origin"`
	RequestsPerHour int           `mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// StorageConfig locates the local state database (active task, history,
// offline queue).
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// CaptureConfig holds orchestration knobs.
type CaptureConfig struct {
	// StaleAfter is how old an active task may get before the sweeper
	// declares it orphaned and removes it.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	// SweepInterval is how often the sweeper checks for orphaned tasks.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// HistoryLimit caps the archived capture history.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// ProviderSettings configures a single hosted backend. The API key is stored
// only in its envelope form; it is decrypted transiently when a request is
// built.
type ProviderSettings struct {
	Model           string `mapstructure:"model" yaml:"model"`
	EncryptedAPIKey string `mapstructure:"encrypted_api_key" yaml:"encrypted_api_key"`
}

// CustomProviderSettings configures the user-defined endpoint.
type CustomProviderSettings struct {
	Name            string            `mapstructure:"name" yaml:"name"`
	Endpoint        string            `mapstructure:"endpoint" yaml:"endpoint"`
	Model           string            `mapstructure:"model" yaml:"model"`
	EncryptedAPIKey string            `mapstructure:"encrypted_api_key" yaml:"encrypted_api_key"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
}

// LocalProviderSettings configures the local inference server.
type LocalProviderSettings struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// ProvidersConfig selects the default backend and carries per-backend
// settings plus the credential-envelope mode.
type ProvidersConfig struct {
	Default           schemas.ProviderKind   `mapstructure:"default" yaml:"default"`
	EncryptionEnabled bool                   `mapstructure:"encryption_enabled" yaml:"encryption_enabled"`
	Local             LocalProviderSettings  `mapstructure:"local" yaml:"local"`
	Groq              ProviderSettings       `mapstructure:"groq" yaml:"groq"`
	OpenAI            ProviderSettings       `mapstructure:"openai" yaml:"openai"`
	Deepseek          ProviderSettings       `mapstructure:"deepseek" yaml:"deepseek"`
	Custom            CustomProviderSettings `mapstructure:"custom" yaml:"custom"`
}

// DisplayName returns the human-readable name used in progress messages.
func (p ProvidersConfig) DisplayName(kind schemas.ProviderKind) string {
	switch kind {
	case schemas.ProviderLocal:
		return "Local LLM"
	case schemas.ProviderGroq:
		return "Groq API"
	case schemas.ProviderOpenAI:
		return "OpenAI API"
	case schemas.ProviderDeepseek:
		return "Deepseek API"
	case schemas.ProviderCustom:
		if p.Custom.Name != "" {
			return p.Custom.Name
		}
		return "Custom API"
	}
	return "AI Service"
}

// ArchiveConfig configures ingestion into the pagebrain archive server.
// Tokens are stored in envelope form, like provider API keys.
type ArchiveConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL               string        `mapstructure:"base_url" yaml:"base_url"`
	FlushInterval         time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	EncryptedAccessToken  string        `mapstructure:"encrypted_access_token" yaml:"encrypted_access_token"`
	EncryptedRefreshToken string        `mapstructure:"encrypted_refresh_token" yaml:"encrypted_refresh_token"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "capd")
	v.SetDefault("logger.log_file", "capd.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Gateway --
	v.SetDefault("gateway.addr", "127.0.0.1:8732")
	v.SetDefault("gateway.allowed_origin", "*")
	v.SetDefault("gateway.requests_per_hour", 3600)
	v.SetDefault("gateway.burst", 20)
	v.SetDefault("gateway.shutdown_grace", "5s")

	// -- Storage --
	v.SetDefault("storage.path", "capd.db")

	// -- Capture --
	v.SetDefault("capture.stale_after", "5m")
	v.SetDefault("capture.sweep_interval", "30s")
	v.SetDefault("capture.history_limit", 100)

	// -- Providers --
	v.SetDefault("providers.default", string(schemas.ProviderLocal))
	v.SetDefault("providers.encryption_enabled", true)
	v.SetDefault("providers.local.base_url", "http://localhost:1234/v1")
	v.SetDefault("providers.groq.model", "llama3-8b-8192")
	v.SetDefault("providers.openai.model", "gpt-3.5-turbo")
	v.SetDefault("providers.deepseek.model", "deepseek-chat")

	// -- Archive --
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.flush_interval", "1m")
}

// NewFromViper unmarshals and validates the configuration.
func NewFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if !c.Providers.Default.Valid() {
		return fmt.Errorf("providers.default %q is not a supported provider", c.Providers.Default)
	}
	if c.Providers.Local.BaseURL == "" {
		return fmt.Errorf("providers.local.base_url must not be empty")
	}
	if c.Capture.HistoryLimit <= 0 {
		return fmt.Errorf("capture.history_limit must be a positive integer")
	}
	if c.Capture.StaleAfter <= 0 {
		return fmt.Errorf("capture.stale_after must be a positive duration")
	}
	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr must not be empty")
	}
	if c.Archive.Enabled && c.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url is required when archive.enabled is set")
	}
	return nil
}
