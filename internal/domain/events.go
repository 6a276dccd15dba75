package domain

import "time"

const (
	EventPolicyDecided = "policy.decided"
	EventChatCompleted = "chat.completed"
)

type PolicyDecidedEvent struct {
	Scope     string    `json:"scope"`
	Decision  Decision  `json:"decision"`
	RuleID    *int64    `json:"rule_id,omitempty"`
	RuleName  *string   `json:"rule_name,omitempty"`
	Subject   *string   `json:"subject,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type ChatCompletedEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	FinishReason   string    `json:"finish_reason"`
	Chars          int       `json:"chars"`
	Flagged        bool      `json:"flagged"`
	CompletedAt    time.Time `json:"completed_at"`
}
