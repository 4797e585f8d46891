package schemas

// EventAction names the message kinds exchanged with UI clients. The inbound
// actions arrive on the message endpoint; the outbound ones are pushed over
// the event stream.
type EventAction string

const (
	// Inbound actions.
	ActionScrapeContent      EventAction = "scrapeContent"
	ActionCapture            EventAction = "capture"
	ActionChat               EventAction = "chat"
	ActionValidateConnection EventAction = "validateApiConnection"
	ActionCheckActiveCapture EventAction = "checkActiveCapture"
	ActionResetCapture       EventAction = "resetCapture"

	// Outbound events.
	ActionCaptureProgress EventAction = "captureProgress"
	ActionCaptureComplete EventAction = "captureComplete"
	ActionChatResponse    EventAction = "chatResponse"
)

// Event is the envelope pushed to event-stream subscribers.
type Event struct {
	Action EventAction `json:"action"`
	Data   interface{} `json:"data"`
}
