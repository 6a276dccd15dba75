package domain

import (
	"context"
	"io"
)

type PolicyRepository interface {
	// Write paths
	CreateRule(ctx context.Context, r PolicyRule) (int64, error)
	UpdateRule(ctx context.Context, r PolicyRule) error
	UpsertRuleByName(ctx context.Context, r PolicyRule) error
	DeleteRule(ctx context.Context, id int64) error
	LogDecision(ctx context.Context, d PolicyDecisionRecord) error

	// Read paths
	GetRule(ctx context.Context, id int64) (PolicyRule, error)
	ListRules(ctx context.Context, scope string, onlyEnabled bool) ([]PolicyRule, error)
}

type ConversationRepository interface {
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FlagConversation(ctx context.Context, id, note string) error
	AppendMessage(ctx context.Context, m ChatMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// LLMGateway opens a streaming chat completion. The returned body carries
// raw server-sent events and must be closed by the caller.
type LLMGateway interface {
	StreamChat(ctx context.Context, req CompletionRequest) (io.ReadCloser, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, v any) error
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}
