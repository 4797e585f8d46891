package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/taskstore"
	"github.com/pagebrain/capd/internal/validate"
)

const maxMessageBytes = 16 << 20

// messageEnvelope is the inbound command frame. Data stays raw until the
// action determines its shape.
type messageEnvelope struct {
	Action schemas.EventAction `json:"action"`
	Data   json.RawMessage     `json:"data"`
}

type scrapePayload struct {
	URL string `json:"url"`
}

type chatPayload struct {
	Question string              `json:"question"`
	Context  schemas.ChatContext `json:"context"`
}

type validatePayload struct {
	Provider schemas.ProviderKind `json:"provider"`
	APIKey   string               `json:"apiKey"`
	Endpoint string               `json:"endpoint"`
	Headers  map[string]string    `json:"headers"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var env messageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed message envelope")
		return
	}

	switch env.Action {
	case schemas.ActionScrapeContent:
		s.handleScrape(w, r, env.Data)
	case schemas.ActionCapture:
		s.handleCapture(w, r, env.Data)
	case schemas.ActionChat:
		s.handleChat(w, r, env.Data)
	case schemas.ActionValidateConnection:
		s.handleValidate(w, r, env.Data)
	case schemas.ActionCheckActiveCapture:
		s.handleCheckActive(w, r)
	case schemas.ActionResetCapture:
		s.handleReset(w, r)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", env.Action))
	}
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	var payload scrapePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.URL == "" {
		s.writeError(w, http.StatusBadRequest, "scrapeContent requires a url")
		return
	}

	req, err := s.scraper.Scrape(r.Context(), payload.URL)
	if err != nil {
		s.logger.Warn("Scrape failed", zap.String("url", payload.URL), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"title":   req.Title,
		"content": req.Content,
		"url":     req.URL,
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	var req schemas.CaptureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed capture request")
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "capture requires content")
		return
	}

	taskID, err := s.orch.StartCapture(r.Context(), req)
	if err != nil {
		var busy *taskstore.BusyError
		if errors.As(err, &busy) {
			s.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success":    false,
				"inProgress": true,
				"error":      "a capture is already in progress",
				"taskId":     busy.Active.TaskID,
			})
			return
		}
		s.logger.Error("Failed to start capture", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":    true,
		"inProgress": true,
		"taskId":     taskID,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Question == "" {
		s.writeError(w, http.StatusBadRequest, "chat requires a question")
		return
	}

	result := s.orch.Chat(r.Context(), payload.Question, payload.Context)
	// Event-stream subscribers get the same result, so a popup reopened
	// mid-question still receives the answer.
	s.bus.Publish(schemas.ActionChatResponse, result)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	var payload validatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed validation request")
		return
	}
	if !payload.Provider.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", payload.Provider))
		return
	}

	var result schemas.ValidationResult
	if payload.Provider == schemas.ProviderLocal {
		baseURL := payload.Endpoint
		if baseURL == "" {
			baseURL = s.providers.Local.BaseURL
		}
		result = s.validator.ValidateLocal(r.Context(), baseURL)
	} else {
		req := validate.Request{
			Provider: payload.Provider,
			APIKey:   payload.APIKey,
			Endpoint: payload.Endpoint,
			Headers:  payload.Headers,
		}
		// No key in the request means "check what is configured".
		if req.APIKey == "" {
			req.APIKey = s.secrets.Decrypt(s.configuredKey(payload.Provider))
		}
		if payload.Provider == schemas.ProviderCustom && req.Endpoint == "" {
			req.Endpoint = s.providers.Custom.Endpoint
			if len(req.Headers) == 0 {
				req.Headers = s.providers.Custom.Headers
			}
		}
		result = s.validator.Validate(r.Context(), req)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) configuredKey(kind schemas.ProviderKind) string {
	switch kind {
	case schemas.ProviderGroq:
		return s.providers.Groq.EncryptedAPIKey
	case schemas.ProviderOpenAI:
		return s.providers.OpenAI.EncryptedAPIKey
	case schemas.ProviderDeepseek:
		return s.providers.Deepseek.EncryptedAPIKey
	case schemas.ProviderCustom:
		return s.providers.Custom.EncryptedAPIKey
	}
	return ""
}

func (s *Server) handleCheckActive(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.ActiveTask(r.Context())
	if err != nil {
		s.logger.Error("Failed to check active capture", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"hasActiveTask": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"hasActiveTask": true, "task": task})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ResetCapture(r.Context()); err != nil {
		s.logger.Error("Failed to reset capture", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.History(r.Context())
	if err != nil {
		s.logger.Error("Failed to load history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []schemas.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}
