package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/bus"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/orchestrator"
	"github.com/pagebrain/capd/internal/scrape"
	"github.com/pagebrain/capd/internal/secrets"
	"github.com/pagebrain/capd/internal/taskstore"
	"github.com/pagebrain/capd/internal/validate"
)

type stubAdapter struct {
	kind    schemas.ProviderKind
	capture func(ctx context.Context, title, content string) (string, error)
	chat    func(ctx context.Context, messages []schemas.ChatMessage) (string, error)
}

func (s *stubAdapter) Kind() schemas.ProviderKind { return s.kind }

func (s *stubAdapter) Capture(ctx context.Context, title, content string) (string, error) {
	if s.capture == nil {
		return "stub capture", nil
	}
	return s.capture(ctx, title, content)
}

func (s *stubAdapter) Chat(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
	if s.chat == nil {
		return "stub answer", nil
	}
	return s.chat(ctx, messages)
}

type stubFactory struct {
	adapters map[schemas.ProviderKind]schemas.Adapter
}

func (f *stubFactory) Adapter(kind schemas.ProviderKind) (schemas.Adapter, error) {
	a, ok := f.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unknown or unsupported provider: %q", kind)
	}
	return a, nil
}

type testGateway struct {
	srv   *httptest.Server
	store *taskstore.Store
	bus   *bus.Bus
	orch  *orchestrator.Orchestrator
}

func newTestGateway(t *testing.T, adapters ...*stubAdapter) *testGateway {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := taskstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := taskstore.New(context.Background(), db, 5*time.Minute, 100, logger)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()

	factory := &stubFactory{adapters: make(map[schemas.ProviderKind]schemas.Adapter)}
	for _, a := range adapters {
		factory.adapters[a.kind] = a
	}
	if _, ok := factory.adapters[schemas.ProviderLocal]; !ok {
		factory.adapters[schemas.ProviderLocal] = &stubAdapter{kind: schemas.ProviderLocal}
	}

	eventBus := bus.New(logger, 64)
	t.Cleanup(eventBus.Shutdown)

	orch := orchestrator.New(cfg, factory, store, eventBus, nil, logger)
	secretStore := secrets.New(false, "", logger)
	server := New(cfg, orch, scrape.New(logger), validate.New(validate.DefaultTimeout, logger), store, eventBus, secretStore, logger)

	httpSrv := httptest.NewServer(server.routes())
	t.Cleanup(httpSrv.Close)

	return &testGateway{srv: httpSrv, store: store, bus: eventBus, orch: orch}
}

func (g *testGateway) postMessage(t *testing.T, action schemas.EventAction, data interface{}) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"action": action, "data": data})
	require.NoError(t, err)

	resp, err := http.Post(g.srv.URL+"/v1/messages", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestMessages_Capture(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.postMessage(t, schemas.ActionCapture, schemas.CaptureRequest{
		Title: "T", Content: "some content", URL: "https://example.com",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["inProgress"])
	assert.NotEmpty(t, out["taskId"])

	g.orch.Wait()
}

func TestMessages_CaptureConflict(t *testing.T) {
	release := make(chan struct{})
	local := &stubAdapter{
		kind: schemas.ProviderLocal,
		capture: func(ctx context.Context, title, content string) (string, error) {
			<-release
			return "done", nil
		},
	}
	g := newTestGateway(t, local)

	resp, body := g.postMessage(t, schemas.ActionCapture, schemas.CaptureRequest{Title: "1", Content: "c", URL: "u"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &first))

	resp, body = g.postMessage(t, schemas.ActionCapture, schemas.CaptureRequest{Title: "2", Content: "c", URL: "u"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var conflict map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &conflict))
	assert.Equal(t, false, conflict["success"])
	assert.Equal(t, true, conflict["inProgress"])
	assert.Equal(t, first["taskId"], conflict["taskId"])

	close(release)
	g.orch.Wait()
}

func TestMessages_CheckActiveAndReset(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.postMessage(t, schemas.ActionCheckActiveCapture, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, false, status["hasActiveTask"])

	// Claim the slot directly, then observe and reset it over the API.
	task, err := g.store.TryBegin(context.Background(), "T", "u")
	require.NoError(t, err)

	resp, body = g.postMessage(t, schemas.ActionCheckActiveCapture, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, true, status["hasActiveTask"])
	taskInfo, ok := status["task"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, task.TaskID, taskInfo["taskId"])

	resp, _ = g.postMessage(t, schemas.ActionResetCapture, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active, err := g.store.Active(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestMessages_Chat(t *testing.T) {
	local := &stubAdapter{
		kind: schemas.ProviderLocal,
		chat: func(ctx context.Context, messages []schemas.ChatMessage) (string, error) {
			return "it is about Go", nil
		},
	}
	g := newTestGateway(t, local)

	resp, body := g.postMessage(t, schemas.ActionChat, map[string]interface{}{
		"question": "what is this about?",
		"context":  schemas.ChatContext{Title: "P", URL: "u", Capture: "cap"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result schemas.ChatResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "it is about Go", result.Response)
	assert.NotEmpty(t, result.ContextHash)
}

func TestMessages_ScrapeContent(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Doc Title</title></head>
			<body><script>evil()</script><h1>Heading</h1><p>First paragraph.</p></body></html>`))
	}))
	defer page.Close()

	g := newTestGateway(t)

	resp, body := g.postMessage(t, schemas.ActionScrapeContent, map[string]string{"url": page.URL})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Success bool   `json:"success"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "Doc Title", out.Title)
	assert.Contains(t, out.Content, "First paragraph.")
	assert.NotContains(t, out.Content, "evil()")
}

func TestMessages_UnknownAction(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.postMessage(t, schemas.EventAction("selfDestruct"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown action")
}

func TestMessages_ValidateUnknownProvider(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.postMessage(t, schemas.ActionValidateConnection, map[string]string{"provider": "mistral"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown provider")
}

func TestMessages_ValidateHostedWithoutKey(t *testing.T) {
	g := newTestGateway(t)

	// No key in the request and none configured: short-circuits invalid.
	resp, body := g.postMessage(t, schemas.ActionValidateConnection, map[string]string{"provider": "groq"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result schemas.ValidationResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.IsValid)
	assert.Equal(t, "API key is not configured", result.Message)
}

func TestHistoryEndpoint(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.store.AppendHistory(context.Background(), schemas.HistoryEntry{
		URL: "https://example.com", Title: "T", Capture: "cap",
		Provider: schemas.ProviderLocal, Timestamp: time.Now().UTC(),
	}))

	resp, err := http.Get(g.srv.URL + "/v1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []schemas.HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "T", entries[0].Title)
}

func TestEventStream_RelaysCaptureEvents(t *testing.T) {
	g := newTestGateway(t)

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	g.bus.Publish(schemas.ActionCaptureProgress, schemas.ProgressEvent{
		TaskID: "123", Percentage: 50, Status: "Processing with Local LLM fallback...",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Action schemas.EventAction   `json:"action"`
		Data   schemas.ProgressEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &event))
	assert.Equal(t, schemas.ActionCaptureProgress, event.Action)
	assert.Equal(t, 50, event.Data.Percentage)
	assert.Equal(t, "123", event.Data.TaskID)
}

func TestRateLimit(t *testing.T) {
	logger := zaptest.NewLogger(t)

	db, err := taskstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := taskstore.New(context.Background(), db, 5*time.Minute, 100, logger)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Gateway.RequestsPerHour = 1
	cfg.Gateway.Burst = 2

	eventBus := bus.New(logger, 16)
	t.Cleanup(eventBus.Shutdown)
	factory := &stubFactory{adapters: map[schemas.ProviderKind]schemas.Adapter{
		schemas.ProviderLocal: &stubAdapter{kind: schemas.ProviderLocal},
	}}
	orch := orchestrator.New(cfg, factory, store, eventBus, nil, logger)
	server := New(cfg, orch, scrape.New(logger), validate.New(validate.DefaultTimeout, logger), store, eventBus, secrets.New(false, "", logger), logger)

	srv := httptest.NewServer(server.routes())
	t.Cleanup(srv.Close)

	var lastStatus int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/v1/history")
		require.NoError(t, err)
		resp.Body.Close()
		lastStatus = resp.StatusCode
		if lastStatus == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)
}
