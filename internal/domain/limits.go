package domain

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the main conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Limits bounds a single collaborator call. Zero values mean "use the
// collaborator's defaults".
type Limits struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}
