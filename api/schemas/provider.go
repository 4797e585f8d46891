package schemas

import "context"

// ProviderKind identifies a completion backend.
type ProviderKind string

const (
	ProviderLocal    ProviderKind = "local"
	ProviderGroq     ProviderKind = "groq"
	ProviderOpenAI   ProviderKind = "openai"
	ProviderDeepseek ProviderKind = "deepseek"
	ProviderCustom   ProviderKind = "custom"
)

// Valid reports whether k names a supported backend.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderLocal, ProviderGroq, ProviderOpenAI, ProviderDeepseek, ProviderCustom:
		return true
	}
	return false
}

// Adapter is the uniform contract every backend implements. Adding a backend
// means adding one implementation and registering it; dispatch sites never
// switch on the kind.
type Adapter interface {
	// Kind identifies the backend this adapter talks to.
	Kind() ProviderKind
	// Capture summarizes a scraped page and returns the plaintext summary.
	Capture(ctx context.Context, title, content string) (string, error)
	// Chat completes a conversation and returns the assistant's reply.
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

// ValidationResult reports whether a provider is reachable and usable.
type ValidationResult struct {
	IsValid bool   `json:"isValid"`
	Message string `json:"message"`
}
