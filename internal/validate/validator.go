// Package validate probes provider connectivity: a cheap model-listing GET
// for every backend, plus a live completion smoke test for the local server,
// because a reachable-but-modelless local server is not a working one.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/provider"
)

// Model-listing endpoints per hosted backend.
var modelsURLs = map[schemas.ProviderKind]string{
	schemas.ProviderGroq:     "https://api.groq.com/openai/v1/models",
	schemas.ProviderOpenAI:   "https://api.openai.com/v1/models",
	schemas.ProviderDeepseek: "https://api.deepseek.com/v1/models",
}

const (
	// DefaultTimeout is used by reactive status checks.
	DefaultTimeout = 15 * time.Second
	// SettingsTimeout is the shorter window used by the settings surface.
	SettingsTimeout = 10 * time.Second

	smokeTestMaxTokens = 10
)

// Request carries everything needed to validate one provider.
type Request struct {
	Provider schemas.ProviderKind
	APIKey   string
	Endpoint string
	Headers  map[string]string
}

// Validator checks that a configured provider is reachable and usable.
type Validator struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	// modelsURL allows tests to redirect hosted lookups.
	modelsURL func(kind schemas.ProviderKind) (string, bool)
}

// New returns a Validator with the given probe timeout.
func New(timeout time.Duration, logger *zap.Logger) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.Named("validate"),
		modelsURL: func(kind schemas.ProviderKind) (string, bool) {
			u, ok := modelsURLs[kind]
			return u, ok
		},
	}
}

// Validate probes a hosted or custom provider's model-listing endpoint.
// A missing credential short-circuits without a network call.
func (v *Validator) Validate(ctx context.Context, req Request) schemas.ValidationResult {
	if req.APIKey == "" {
		return schemas.ValidationResult{IsValid: false, Message: "API key is not configured"}
	}

	url, err := v.resolveURL(req)
	if err != nil {
		return schemas.ValidationResult{IsValid: false, Message: err.Error()}
	}

	headers := map[string]string{
		"Authorization": "Bearer " + req.APIKey,
		"Content-Type":  "application/json",
	}
	for k, val := range req.Headers {
		headers[k] = val
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	status, body, err := v.get(ctx, url, headers)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schemas.ValidationResult{IsValid: false, Message: "Connection timed out"}
		}
		return schemas.ValidationResult{IsValid: false, Message: err.Error()}
	}
	if status < 200 || status > 299 {
		return schemas.ValidationResult{
			IsValid: false,
			Message: fmt.Sprintf("API returned status %d: %s", status, truncate(body, 100)),
		}
	}

	v.logger.Debug("Provider validation succeeded", zap.String("provider", string(req.Provider)))
	return schemas.ValidationResult{IsValid: true, Message: "API key is valid"}
}

// ValidateLocal checks the local server in two stages: a model-listing GET,
// then a minimal completion round-trip with a small output cap.
func (v *Validator) ValidateLocal(ctx context.Context, baseURL string) schemas.ValidationResult {
	base := provider.NormalizeLocalBaseURL(baseURL)

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	status, body, err := v.get(probeCtx, base+"/models", nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schemas.ValidationResult{IsValid: false, Message: "Connection timed out"}
		}
		return schemas.ValidationResult{IsValid: false, Message: "Cannot connect to the local LLM server. Is it running?"}
	}
	if status < 200 || status > 299 {
		return schemas.ValidationResult{
			IsValid: false,
			Message: fmt.Sprintf("Server error: %d - %s", status, truncate(body, 50)),
		}
	}

	if res := v.smokeTest(ctx, base); !res.IsValid {
		return res
	}
	return schemas.ValidationResult{IsValid: true, Message: "Local LLM connection successful"}
}

// smokeTest runs a one-word completion to confirm a model is actually loaded.
func (v *Validator) smokeTest(ctx context.Context, base string) schemas.ValidationResult {
	payload, _ := json.Marshal(map[string]interface{}{
		"model": "any-model",
		"messages": []schemas.ChatMessage{
			{Role: schemas.RoleSystem, Content: "You are a helpful assistant."},
			{Role: schemas.RoleUser, Content: "Say hello in one word."},
		},
		"max_tokens":  smokeTestMaxTokens,
		"temperature": 0.7,
		"stream":      false,
	})

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return schemas.ValidationResult{IsValid: false, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schemas.ValidationResult{IsValid: false, Message: "Connection timed out. The model might be too slow or not responding."}
		}
		return schemas.ValidationResult{IsValid: false, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schemas.ValidationResult{IsValid: false, Message: "Server is running but inference failed. Is a model loaded?"}
	}
	return schemas.ValidationResult{IsValid: true}
}

func (v *Validator) resolveURL(req Request) (string, error) {
	if req.Provider == schemas.ProviderCustom {
		if req.Endpoint == "" {
			return "", fmt.Errorf("custom API endpoint not configured")
		}
		return deriveModelsURL(req.Endpoint), nil
	}
	url, ok := v.modelsURL(req.Provider)
	if !ok {
		return "", fmt.Errorf("unknown provider: %s", req.Provider)
	}
	return url, nil
}

// deriveModelsURL appends a /models path to a user-configured endpoint unless
// it already ends with one.
func deriveModelsURL(endpoint string) string {
	switch {
	case strings.HasSuffix(endpoint, "/models"):
		return endpoint
	case strings.HasSuffix(endpoint, "/"):
		return endpoint + "models"
	default:
		return endpoint + "/models"
	}
}

func (v *Validator) get(ctx context.Context, url string, headers map[string]string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
