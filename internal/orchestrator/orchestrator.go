// Package orchestrator drives captures end to end: it claims the single
// capture slot, shapes content to the provider's budget, runs the completion
// with a local fallback, and reports progress over the event bus.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
	"github.com/pagebrain/capd/internal/bus"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/format"
	"github.com/pagebrain/capd/internal/provider"
	"github.com/pagebrain/capd/internal/taskstore"
)

// Archiver ships a completed capture to the remote ingestion service.
// Implementations are expected to queue on delivery failure rather than
// surface transient network errors.
type Archiver interface {
	Submit(ctx context.Context, entry schemas.HistoryEntry) error
}

// chatSystemPrompt frames a follow-up conversation around a captured page.
const chatSystemPrompt = "You are a helpful assistant answering questions about a captured web page.\n\nPage title: %s\nPage URL: %s\n\nCapture of the page:\n%s\n\nAnswer the user's questions about this page concisely."

// largeContentThreshold is the token estimate above which the progress feed
// warns that truncation is underway.
const largeContentThreshold = 4000

// Orchestrator coordinates the capture and chat pipelines.
type Orchestrator struct {
	cfg     *config.Config
	factory provider.Factory
	store   *taskstore.Store
	bus     *bus.Bus
	archive Archiver
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New assembles an orchestrator. archive may be nil when remote ingestion is
// disabled.
func New(cfg *config.Config, factory provider.Factory, store *taskstore.Store, eventBus *bus.Bus, archive Archiver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		factory: factory,
		store:   store,
		bus:     eventBus,
		archive: archive,
		logger:  logger.Named("orchestrator"),
	}
}

// StartCapture claims the capture slot and launches the pipeline in the
// background. It returns the new taskId, or a *taskstore.BusyError carrying
// the in-flight task when one is already running.
func (o *Orchestrator) StartCapture(ctx context.Context, req schemas.CaptureRequest) (string, error) {
	task, err := o.store.TryBegin(ctx, req.Title, req.URL)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The capture must outlive the request that started it; provider
		// timeouts bound the work.
		o.runCapture(context.Background(), task, req)
	}()

	return task.TaskID, nil
}

func (o *Orchestrator) runCapture(ctx context.Context, task schemas.CaptureTask, req schemas.CaptureRequest) {
	kind := o.cfg.Providers.Default
	log := o.logger.With(zap.String("task_id", task.TaskID), zap.String("provider", string(kind)))
	log.Info("Capture started", zap.String("url", req.URL))

	o.progress(task.TaskID, 10, "Preparing content...")

	model := o.modelFor(kind)
	if format.EstimateTokens(req.Title, req.Content) > largeContentThreshold {
		o.progress(task.TaskID, 20, "Truncating large content...")
	} else {
		o.progress(task.TaskID, 20, "Content prepared")
	}
	shaped := format.Format(req.Title, req.Content, kind, model)

	o.progress(task.TaskID, 30, fmt.Sprintf("Sending to %s...", o.cfg.Providers.DisplayName(kind)))
	if kind == schemas.ProviderLocal {
		o.progress(task.TaskID, 40, "Processing with Local LLM...")
	}

	result := schemas.CaptureResult{TaskID: task.TaskID, Provider: kind, ContentTruncated: shaped.Truncated}

	capture, primaryErr := o.capture(ctx, kind, req.Title, shaped.Content)
	if primaryErr != nil && kind != schemas.ProviderLocal {
		log.Warn("Primary provider failed, falling back to local", zap.Error(primaryErr))
		o.progress(task.TaskID, 40, fmt.Sprintf("%s failed, trying Local LLM...", o.cfg.Providers.DisplayName(kind)))
		o.progress(task.TaskID, 50, "Processing with Local LLM fallback...")

		// The fallback gets its own content shaped to the local budget.
		localShaped := format.Format(req.Title, req.Content, schemas.ProviderLocal, "")
		var fallbackErr error
		capture, fallbackErr = o.capture(ctx, schemas.ProviderLocal, req.Title, localShaped.Content)
		if fallbackErr != nil {
			o.finishFailure(ctx, task, result, fmt.Sprintf(
				"%s failed: %v. Local fallback failed: %v",
				o.cfg.Providers.DisplayName(kind), primaryErr, fallbackErr))
			return
		}
		result.UsedFallback = true
		result.Provider = schemas.ProviderLocal
		result.ContentTruncated = localShaped.Truncated
	} else if primaryErr != nil {
		o.finishFailure(ctx, task, result, fmt.Sprintf(
			"%s failed: %v", o.cfg.Providers.DisplayName(kind), primaryErr))
		return
	}

	// Only the local server gets a received milestone; hosted providers jump
	// straight to finalization.
	if result.Provider == schemas.ProviderLocal {
		o.progress(task.TaskID, 80, "Local LLM response received...")
	}
	o.progress(task.TaskID, 90, "Finalizing capture...")

	entry := schemas.HistoryEntry{
		URL:       req.URL,
		Title:     req.Title,
		Capture:   capture,
		Provider:  result.Provider,
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.AppendHistory(ctx, entry); err != nil {
		log.Error("Failed to archive capture in history", zap.Error(err))
	}
	if o.archive != nil && o.cfg.Archive.Enabled {
		if err := o.archive.Submit(ctx, entry); err != nil {
			log.Warn("Remote ingestion failed", zap.Error(err))
		}
	}

	if err := o.store.Complete(ctx, task.TaskID); err != nil {
		log.Error("Failed to release capture slot", zap.Error(err))
	}

	o.progress(task.TaskID, 100, "Capture complete!")
	result.Success = true
	result.Capture = capture
	o.bus.Publish(schemas.ActionCaptureComplete, result)
	log.Info("Capture finished", zap.Bool("used_fallback", result.UsedFallback))
}

func (o *Orchestrator) capture(ctx context.Context, kind schemas.ProviderKind, title, content string) (string, error) {
	adapter, err := o.factory.Adapter(kind)
	if err != nil {
		return "", err
	}
	return adapter.Capture(ctx, title, content)
}

func (o *Orchestrator) finishFailure(ctx context.Context, task schemas.CaptureTask, result schemas.CaptureResult, msg string) {
	o.logger.Error("Capture failed", zap.String("task_id", task.TaskID), zap.String("error", msg))
	if err := o.store.Complete(ctx, task.TaskID); err != nil {
		o.logger.Error("Failed to release capture slot", zap.Error(err))
	}
	result.Success = false
	result.Error = msg
	o.bus.Publish(schemas.ActionCaptureComplete, result)
}

func (o *Orchestrator) progress(taskID string, percentage int, status string) {
	o.bus.Publish(schemas.ActionCaptureProgress, schemas.ProgressEvent{
		TaskID:     taskID,
		Percentage: percentage,
		Status:     status,
	})
}

// Chat answers a follow-up question about a captured page. The configured
// provider is tried first, then the local fallback.
func (o *Orchestrator) Chat(ctx context.Context, question string, chatCtx schemas.ChatContext) schemas.ChatResult {
	kind := o.cfg.Providers.Default
	result := schemas.ChatResult{
		Question:    question,
		Provider:    kind,
		ContextHash: ContextHash(chatCtx),
	}

	messages := chatMessages(question, chatCtx)

	response, err := o.chat(ctx, kind, messages)
	if err != nil && kind != schemas.ProviderLocal {
		o.logger.Warn("Chat provider failed, falling back to local",
			zap.String("provider", string(kind)), zap.Error(err))
		response, err = o.chat(ctx, schemas.ProviderLocal, messages)
		result.Provider = schemas.ProviderLocal
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		// No backend answered, so the result names no provider.
		result.Provider = ""
		return result
	}

	result.Success = true
	result.Response = response
	return result
}

func (o *Orchestrator) chat(ctx context.Context, kind schemas.ProviderKind, messages []schemas.ChatMessage) (string, error) {
	adapter, err := o.factory.Adapter(kind)
	if err != nil {
		return "", err
	}
	return adapter.Chat(ctx, messages)
}

// chatMessages builds the message list for a contextual chat turn: a system
// turn embedding the capture, the prior exchange, then the new question.
func chatMessages(question string, chatCtx schemas.ChatContext) []schemas.ChatMessage {
	messages := make([]schemas.ChatMessage, 0, len(chatCtx.History)+2)
	messages = append(messages, schemas.ChatMessage{
		Role:    schemas.RoleSystem,
		Content: fmt.Sprintf(chatSystemPrompt, chatCtx.Title, chatCtx.URL, chatCtx.Capture),
	})
	for _, m := range chatCtx.History {
		if m.Role == schemas.RoleSystem {
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, schemas.ChatMessage{Role: schemas.RoleUser, Content: question})
}

// ContextHash fingerprints the page a chat answer belongs to, letting clients
// drop responses that arrive after the user has moved on.
func ContextHash(chatCtx schemas.ChatContext) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", chatCtx.Title, chatCtx.URL, chatCtx.Capture)
	return hex.EncodeToString(h.Sum(nil))
}

// ActiveTask reports the live capture task, if any.
func (o *Orchestrator) ActiveTask(ctx context.Context) (*schemas.CaptureTask, error) {
	return o.store.Active(ctx)
}

// ResetCapture clears the capture slot on user request.
func (o *Orchestrator) ResetCapture(ctx context.Context) error {
	return o.store.Reset(ctx)
}

// StartSweeper periodically evicts stale capture tasks until ctx is done.
// An evicted task is reported over the bus as a failed capture.
func (o *Orchestrator) StartSweeper(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.Capture.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task, err := o.store.SweepStale(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						o.logger.Error("Stale task sweep failed", zap.Error(err))
					}
					continue
				}
				if task != nil {
					o.logger.Warn("Swept stale capture task", zap.String("task_id", task.TaskID))
					o.bus.Publish(schemas.ActionCaptureComplete, schemas.CaptureResult{
						TaskID:   task.TaskID,
						Success:  false,
						Provider: o.cfg.Providers.Default,
						Error:    "Capture task timed out",
					})
				}
			}
		}
	}()
}

// Wait blocks until all background captures and the sweeper have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) modelFor(kind schemas.ProviderKind) string {
	switch kind {
	case schemas.ProviderGroq:
		return o.cfg.Providers.Groq.Model
	case schemas.ProviderOpenAI:
		return o.cfg.Providers.OpenAI.Model
	case schemas.ProviderDeepseek:
		return o.cfg.Providers.Deepseek.Model
	case schemas.ProviderCustom:
		return o.cfg.Providers.Custom.Model
	default:
		return ""
	}
}
