package domain

// Message roles accepted by the provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler,
// the conversation store and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one the provider understands.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Usage is the token accounting reported by the provider for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
