package types

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is one completion: a department system prompt, the prior turns in
// order, and the new user text. History never contains UserText.
type Request struct {
	SystemPrompt string
	History      []Turn
	UserText     string
}

// Completion is the normalized backend response.
type Completion struct {
	Text     string
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across backends.
type TokenUsage struct {
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ReasoningTokens int64
	CacheReadTokens int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheReadTokens == 0
}
