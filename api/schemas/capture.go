package schemas

import "time"

// CaptureRequest is the scraped page tuple handed to the orchestrator.
// It is ephemeral and consumed exactly once.
type CaptureRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// CaptureTask is the persisted descriptor of an in-flight capture. It exists
// so a UI that detaches and reattaches can resume observing progress. At most
// one task is active at a time.
type CaptureTask struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
}

// Age returns how long ago the task was started.
func (t CaptureTask) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// ProgressEvent is a transient milestone update for a task. Delivery is
// best-effort with last-write-wins semantics; a late subscriber reconciles by
// querying the active task instead of assuming it saw every milestone.
type ProgressEvent struct {
	TaskID     string `json:"taskId"`
	Percentage int    `json:"percentage"`
	Status     string `json:"status"`
}

// CaptureResult is the terminal event for a capture task.
type CaptureResult struct {
	TaskID           string       `json:"taskId"`
	Success          bool         `json:"success"`
	Capture          string       `json:"capture,omitempty"`
	UsedFallback     bool         `json:"usedFallback,omitempty"`
	ContentTruncated bool         `json:"contentTruncated,omitempty"`
	Provider         ProviderKind `json:"provider,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// HistoryEntry is one archived capture. History is capped; the oldest entries
// are evicted beyond the cap.
type HistoryEntry struct {
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Capture   string       `json:"capture"`
	Provider  ProviderKind `json:"provider"`
	Timestamp time.Time    `json:"timestamp"`
}
