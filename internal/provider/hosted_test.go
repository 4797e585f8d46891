package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pagebrain/capd/api/schemas"
)

func TestHostedAdapter_Capture(t *testing.T) {
	var gotAuth string
	var gotReq completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"the capture"}}]}`))
	}))
	defer srv.Close()

	adapter := newHostedAdapter(schemas.ProviderGroq, "Groq", srv.URL, "llama3-8b-8192", "gsk-key", zaptest.NewLogger(t))

	text, err := adapter.Capture(context.Background(), "My Page", "page body")
	require.NoError(t, err)
	assert.Equal(t, "the capture", text)

	assert.Equal(t, "Bearer gsk-key", gotAuth)
	assert.Equal(t, "llama3-8b-8192", gotReq.Model)
	assert.InDelta(t, 0.7, gotReq.Temperature, 0.001)
	assert.Equal(t, 500, gotReq.MaxTokens)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, schemas.RoleSystem, gotReq.Messages[0].Role)
	assert.Equal(t, schemas.RoleUser, gotReq.Messages[1].Role)
	assert.Contains(t, gotReq.Messages[1].Content, `"My Page"`)
	assert.Contains(t, gotReq.Messages[1].Content, "page body")
}

func TestHostedAdapter_MissingKey(t *testing.T) {
	adapter := newHostedAdapter(schemas.ProviderOpenAI, "OpenAI", "http://unused", "gpt-3.5-turbo", "", zaptest.NewLogger(t))

	_, err := adapter.Capture(context.Background(), "t", "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestHostedAdapter_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter := newHostedAdapter(schemas.ProviderGroq, "Groq", srv.URL, "m", "wrong", zaptest.NewLogger(t))
	_, err := adapter.Capture(context.Background(), "t", "c")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestHostedAdapter_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	adapter := newHostedAdapter(schemas.ProviderDeepseek, "Deepseek", srv.URL, "m", "key", zaptest.NewLogger(t))
	_, err := adapter.Chat(context.Background(), []schemas.ChatMessage{{Role: schemas.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeCompletion_APIErrorMessage(t *testing.T) {
	_, err := decodeCompletion([]byte(`{"choices":[],"error":{"message":"model overloaded"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}
