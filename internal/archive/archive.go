// Package archive delivers completed captures to the remote pagebrain
// ingestion service. Delivery is best effort: transport failures park the
// payload in the offline queue, which a periodic flusher drains with
// exponential backoff once the service is reachable again.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/taskstore"
)

const requestTimeout = 15 * time.Second

// ingestPayload is the wire form of one archived capture.
type ingestPayload struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Capture    string `json:"capture"`
	Provider   string `json:"provider"`
	CapturedAt int64  `json:"captured_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Client talks to the archive server.
type Client struct {
	baseURL string
	client  *http.Client
	store   *taskstore.Store
	logger  *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// New builds a Client. accessToken and refreshToken are the already
// decrypted credentials.
func New(cfg config.ArchiveConfig, accessToken, refreshToken string, store *taskstore.Store, logger *zap.Logger) *Client {
	return &Client{
		baseURL:      cfg.BaseURL,
		client:       &http.Client{Timeout: requestTimeout},
		store:        store,
		logger:       logger.Named("archive"),
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// Submit ships one capture to the archive server. A transport failure queues
// the payload for later and returns nil; a rejected payload returns the error.
func (c *Client) Submit(ctx context.Context, entry schemas.HistoryEntry) error {
	body, err := json.Marshal(ingestPayload{
		URL:        entry.URL,
		Title:      entry.Title,
		Capture:    entry.Capture,
		Provider:   string(entry.Provider),
		CapturedAt: entry.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode capture payload: %w", err)
	}

	if err := c.deliver(ctx, body); err != nil {
		var httpErr *deliveryError
		if errors.As(err, &httpErr) {
			return err
		}
		c.logger.Warn("Archive server unreachable, queuing capture", zap.Error(err))
		if queueErr := c.store.EnqueueOffline(ctx, body); queueErr != nil {
			return fmt.Errorf("failed to queue capture for later delivery: %w", queueErr)
		}
		return nil
	}
	return nil
}

// deliveryError marks a response the server actively rejected, which must not
// be retried or queued.
type deliveryError struct {
	status int
	body   string
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("archive server rejected capture: status %d: %s", e.status, e.body)
}

// deliver posts one payload, refreshing the access token once on a 401.
func (c *Client) deliver(ctx context.Context, body []byte) error {
	status, respBody, err := c.post(ctx, "/capture", body, true)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := c.refreshAccess(ctx); err != nil {
			return fmt.Errorf("failed to refresh archive credentials: %w", err)
		}
		status, respBody, err = c.post(ctx, "/capture", body, true)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return &deliveryError{status: status, body: truncate(respBody, 200)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, authed bool) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create archive request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		c.mu.Lock()
		token := c.accessToken
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("archive request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("failed to read archive response: %w", err)
	}
	return resp.StatusCode, string(respBody), nil
}

func (c *Client) refreshAccess(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return fmt.Errorf("no refresh token configured")
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return err
	}
	status, respBody, err := c.post(ctx, "/auth/refresh", body, false)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("token refresh returned status %d", status)
	}

	var tokens refreshResponse
	if err := json.Unmarshal([]byte(respBody), &tokens); err != nil {
		return fmt.Errorf("failed to decode refreshed tokens: %w", err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("token refresh returned an empty access token")
	}

	c.mu.Lock()
	c.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		c.refreshToken = tokens.RefreshToken
	}
	c.mu.Unlock()
	c.logger.Info("Archive access token refreshed")
	return nil
}

// FlushOffline drains the offline queue, retrying each payload with
// exponential backoff. On the first payload that still cannot be delivered
// the flush stops, keeping queue order intact.
func (c *Client) FlushOffline(ctx context.Context) error {
	pending, err := c.store.PendingOffline(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	c.logger.Info("Flushing offline capture queue", zap.Int("pending", len(pending)))

	for _, page := range pending {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 30 * time.Second
		b.MaxInterval = 10 * time.Second

		payload := page.Payload
		operation := func() error {
			err := c.deliver(ctx, payload)
			var de *deliveryError
			if errors.As(err, &de) {
				return backoff.Permanent(err)
			}
			return err
		}

		if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
			var de *deliveryError
			if errors.As(err, &de) {
				// The server will never accept this payload; drop it.
				c.logger.Warn("Dropping rejected offline capture",
					zap.Int64("queue_id", page.ID), zap.Error(err))
				if delErr := c.store.DeleteOffline(ctx, page.ID); delErr != nil {
					return delErr
				}
				continue
			}
			return fmt.Errorf("offline flush stalled: %w", err)
		}

		if err := c.store.DeleteOffline(ctx, page.ID); err != nil {
			return err
		}
	}
	return nil
}

// StartFlusher periodically drains the offline queue until ctx is done.
func (c *Client) StartFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.FlushOffline(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Offline flush failed", zap.Error(err))
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
