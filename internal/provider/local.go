package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
)

const (
	// Local inference is expected to be slow, so completions get a long
	// window. The preflight keeps a dead server from eating that window.
	localCompletionTimeout = 180 * time.Second
	localPreflightTimeout  = 5 * time.Second

	// LM-Studio-style servers ignore the model field when a single model is
	// loaded, but the field is still required on the wire.
	localModelPlaceholder = "any-model"
)

// localAdapter talks to an OpenAI-compatible inference server on the user's
// machine (LM Studio, llama.cpp server, vLLM and friends).
type localAdapter struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewLocal returns the adapter for the local inference server. The base URL
// is normalized so that exactly one /v1 segment precedes the API paths.
func NewLocal(baseURL string, logger *zap.Logger) schemas.Adapter {
	return &localAdapter{
		baseURL: NormalizeLocalBaseURL(baseURL),
		client:  &http.Client{},
		logger:  logger.Named("provider.local"),
	}
}

// NormalizeLocalBaseURL canonicalizes a user-entered server URL. It accepts
// the URL with or without a trailing /v1 and/or trailing slash.
func NormalizeLocalBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "http://localhost:1234/v1"
	}
	switch {
	case strings.HasSuffix(raw, "/v1"):
		return raw
	case strings.HasSuffix(raw, "/v1/"):
		return strings.TrimSuffix(raw, "/")
	case strings.HasSuffix(raw, "/"):
		return raw + "v1"
	default:
		return raw + "/v1"
	}
}

func (a *localAdapter) Kind() schemas.ProviderKind { return schemas.ProviderLocal }

func (a *localAdapter) Capture(ctx context.Context, title, content string) (string, error) {
	return a.complete(ctx, captureMessages(title, content))
}

func (a *localAdapter) Chat(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	return a.complete(ctx, messages)
}

func (a *localAdapter) complete(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	if err := a.preflight(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, localCompletionTimeout)
	defer cancel()

	body, err := postCompletion(ctx, a.client, a.baseURL+"/chat/completions", nil, completionRequest{
		Model:       localModelPlaceholder,
		Messages:    messages,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
	})
	if err != nil {
		a.logger.Warn("Local completion failed", zap.String("base_url", a.baseURL), zap.Error(err))
		return "", fmt.Errorf("local LLM request failed: %w (is the server running with a model loaded?)", err)
	}

	text, err := decodeCompletion(body)
	if err != nil {
		return "", fmt.Errorf("local LLM returned an unusable response: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// preflight checks the models endpoint with a short timeout so a dead server
// fails in seconds instead of the full completion window.
func (a *localAdapter) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, localPreflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create preflight request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to local LLM server at %s: %w", a.baseURL, wrapTransport(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode, Body: "local LLM server is not serving models"}
	}
	return nil
}
