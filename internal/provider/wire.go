package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/json-iterator/go"

	"github.com/pagebrain/capd/api/schemas"
)

// Every supported backend speaks the OpenAI chat-completions wire shape for
// requests. Responses from the custom provider may deviate; see custom.go.

const (
	captureSystemPrompt = "You are a helpful assistant that provides concise captures of web content."

	completionMaxTokens   = 500
	completionTemperature = 0.7
)

type completionRequest struct {
	Model       string                `json:"model"`
	Messages    []schemas.ChatMessage `json:"messages"`
	Temperature float64               `json:"temperature"`
	MaxTokens   int                   `json:"max_tokens"`
	Stream      bool                  `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message schemas.ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// capturePrompt wraps a page into the summarization instruction.
func capturePrompt(title, content string) string {
	return fmt.Sprintf("Capture the following content with title %q:\n\n%s\n\nProvide a concise capture highlighting the key points.", title, content)
}

// captureMessages is the two-turn prompt used for every capture call.
func captureMessages(title, content string) []schemas.ChatMessage {
	return []schemas.ChatMessage{
		{Role: schemas.RoleSystem, Content: captureSystemPrompt},
		{Role: schemas.RoleUser, Content: capturePrompt(title, content)},
	}
}

// postCompletion executes one chat-completion round-trip and returns the raw
// response body. Non-2xx responses come back as *HTTPError.
func postCompletion(ctx context.Context, client *http.Client, url string, headers map[string]string, reqBody completionRequest) ([]byte, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// decodeCompletion extracts choices[0].message.content from an OpenAI-shaped
// response body.
func decodeCompletion(body []byte) (string, error) {
	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrMalformedResponse, parsed.Error.Message)
		}
		return "", fmt.Errorf("%w: no completion choices returned", ErrMalformedResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

func bearerHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
