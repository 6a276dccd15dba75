package domain

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons recorded on assistant messages that did not complete upstream.
const (
	FinishCancelled = "cancelled"
	FinishTimeout   = "timeout"
	FinishError     = "error"
)

type Conversation struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Flagged   bool      `json:"flagged"`
	FlagNote  *string   `json:"flag_note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	FinishReason   *string   `json:"finish_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PromptMessage is one entry of the upstream completion request.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []PromptMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
}
