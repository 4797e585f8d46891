package schemas

// ChatMessage is a single conversational turn in the OpenAI wire shape every
// supported backend accepts.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatContext is the UI-owned conversation state for the page currently on
// screen. It is never persisted and resets whenever a new capture begins.
type ChatContext struct {
	Title   string        `json:"title"`
	URL     string        `json:"url"`
	Capture string        `json:"capture"`
	History []ChatMessage `json:"history"`
}

// ChatResult is the outcome of one chat turn.
//
// ContextHash identifies the context snapshot the answer was produced
// against; a client that has since reset its context drops responses whose
// hash no longer matches.
type ChatResult struct {
	Question    string       `json:"question"`
	Response    string       `json:"response,omitempty"`
	Provider    ProviderKind `json:"provider,omitempty"`
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	ContextHash string       `json:"contextHash,omitempty"`
}
