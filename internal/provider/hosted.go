package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
)

// Default completion endpoints for the first-party hosted backends. Tests
// point adapters at local httptest servers instead.
const (
	groqCompletionsURL     = "https://api.groq.com/openai/v1/chat/completions"
	openaiCompletionsURL   = "https://api.openai.com/v1/chat/completions"
	deepseekCompletionsURL = "https://api.deepseek.com/v1/chat/completions"

	hostedCaptureTimeout = 30 * time.Second
	hostedChatTimeout    = 30 * time.Second
)

// hostedAdapter talks to a hosted OpenAI-compatible API with bearer auth.
// Groq, OpenAI and Deepseek differ only in endpoint, default model and
// display name.
type hostedAdapter struct {
	kind   schemas.ProviderKind
	name   string
	url    string
	model  string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

func newHostedAdapter(kind schemas.ProviderKind, name, url, model, apiKey string, logger *zap.Logger) *hostedAdapter {
	return &hostedAdapter{
		kind:   kind,
		name:   name,
		url:    url,
		model:  model,
		apiKey: apiKey,
		client: &http.Client{},
		logger: logger.Named("provider." + string(kind)),
	}
}

// NewGroq returns the adapter for the Groq API.
func NewGroq(model, apiKey string, logger *zap.Logger) schemas.Adapter {
	return newHostedAdapter(schemas.ProviderGroq, "Groq", groqCompletionsURL, model, apiKey, logger)
}

// NewOpenAI returns the adapter for the OpenAI API.
func NewOpenAI(model, apiKey string, logger *zap.Logger) schemas.Adapter {
	return newHostedAdapter(schemas.ProviderOpenAI, "OpenAI", openaiCompletionsURL, model, apiKey, logger)
}

// NewDeepseek returns the adapter for the Deepseek API.
func NewDeepseek(model, apiKey string, logger *zap.Logger) schemas.Adapter {
	return newHostedAdapter(schemas.ProviderDeepseek, "Deepseek", deepseekCompletionsURL, model, apiKey, logger)
}

func (a *hostedAdapter) Kind() schemas.ProviderKind { return a.kind }

func (a *hostedAdapter) Capture(ctx context.Context, title, content string) (string, error) {
	return a.complete(ctx, captureMessages(title, content), hostedCaptureTimeout)
}

func (a *hostedAdapter) Chat(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	return a.complete(ctx, messages, hostedChatTimeout)
}

func (a *hostedAdapter) complete(ctx context.Context, messages []schemas.ChatMessage, timeout time.Duration) (string, error) {
	if a.apiKey == "" {
		return "", fmt.Errorf("%s %w", a.name, ErrMissingCredential)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	body, err := postCompletion(ctx, a.client, a.url, bearerHeaders(a.apiKey), completionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
	})
	if err != nil {
		a.logger.Warn("Completion request failed", zap.String("model", a.model), zap.Error(err))
		return "", fmt.Errorf("%s request failed: %w", a.name, err)
	}

	text, err := decodeCompletion(body)
	if err != nil {
		return "", fmt.Errorf("%s returned an unusable response: %w", a.name, err)
	}

	a.logger.Debug("Completion received",
		zap.String("model", a.model),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}
