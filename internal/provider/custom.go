package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
)

const customTimeout = 30 * time.Second

// customAdapter talks to a user-configured endpoint. The endpoint is assumed
// to be roughly OpenAI-compatible, but response extraction is deliberately
// best-effort: a user-pointed server that answers in a nonstandard shape
// should still yield something inspectable instead of a hard failure.
type customAdapter struct {
	endpoint string
	model    string
	apiKey   string
	headers  map[string]string
	client   *http.Client
	logger   *zap.Logger
}

// NewCustom returns the adapter for the user-defined endpoint. Caller-supplied
// headers are merged over the standard bearer/content-type pair.
func NewCustom(endpoint, model, apiKey string, headers map[string]string, logger *zap.Logger) schemas.Adapter {
	return &customAdapter{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		headers:  headers,
		client:   &http.Client{},
		logger:   logger.Named("provider.custom"),
	}
}

func (a *customAdapter) Kind() schemas.ProviderKind { return schemas.ProviderCustom }

func (a *customAdapter) Capture(ctx context.Context, title, content string) (string, error) {
	return a.complete(ctx, captureMessages(title, content))
}

func (a *customAdapter) Chat(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	return a.complete(ctx, messages)
}

func (a *customAdapter) complete(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	if a.endpoint == "" {
		return "", fmt.Errorf("%w: custom API endpoint not configured", ErrConfig)
	}
	if a.apiKey == "" {
		return "", fmt.Errorf("custom API %w", ErrMissingCredential)
	}

	headers := bearerHeaders(a.apiKey)
	for k, v := range a.headers {
		headers[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, customTimeout)
	defer cancel()

	body, err := postCompletion(ctx, a.client, a.endpoint, headers, completionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
	})
	if err != nil {
		a.logger.Warn("Custom endpoint request failed", zap.String("endpoint", a.endpoint), zap.Error(err))
		return "", fmt.Errorf("custom API request failed: %w", err)
	}

	return extractBestEffort(body), nil
}

// extractBestEffort pulls a completion out of an arbitrary JSON response.
// It tries the OpenAI shape first, then common top-level fallback fields,
// and finally returns the serialized raw JSON rather than failing.
func extractBestEffort(body []byte) string {
	if text, err := decodeCompletion(body); err == nil && text != "" {
		return text
	}

	var top map[string]interface{}
	if err := json.Unmarshal(body, &top); err != nil {
		return string(body)
	}
	for _, field := range []string{"output", "response", "text", "content"} {
		if v, ok := top[field].(string); ok && v != "" {
			return v
		}
	}
	return string(body)
}
