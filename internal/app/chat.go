package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inkstudio/internal/adapters/observability"
	"inkstudio/internal/domain"
	"inkstudio/internal/sse"
)

const (
	ChatScope          = "chat"
	defaultChannel     = "web"
	defaultHistory     = 20
	defaultMaxRunes    = 4000
	persistTimeout     = 5 * time.Second
	defaultStreamLimit = 2 * time.Minute
)

// PolicyEvaluator is the part of PolicyService the chat relay depends on.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in EvaluateInput) (domain.PolicyResult, error)
}

type ChatConfig struct {
	SystemPrompt  string
	HistoryLimit  int
	MaxRunes      int
	StreamTimeout time.Duration
}

type ChatService struct {
	convs  domain.ConversationRepository
	llm    domain.LLMGateway
	policy PolicyEvaluator
	events domain.EventPublisher
	cfg    ChatConfig
	newID  func() string
}

func NewChatService(convs domain.ConversationRepository, gw domain.LLMGateway, pe PolicyEvaluator, ev domain.EventPublisher, cfg ChatConfig) *ChatService {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistory
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = defaultMaxRunes
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamLimit
	}
	return &ChatService{convs: convs, llm: gw, policy: pe, events: ev, cfg: cfg, newID: uuid.NewString}
}

type ChatRequest struct {
	ConversationID string
	Channel        string
	Message        string
}

// StreamInfo is handed to StreamHooks.Started once the upstream stream is open.
type StreamInfo struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Flagged        bool   `json:"flagged"`
}

// StreamHooks receive the relay's progress. Errors returned before Started
// has been called mean nothing was sent to the client yet.
type StreamHooks struct {
	Started func(StreamInfo) error
	Delta   func(text string) error
}

type ChatOutcome struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	FinishReason   string `json:"finish_reason"`
	Chars          int    `json:"chars"`
	Flagged        bool   `json:"flagged"`
}

// Stream runs one chat turn: it records the user's message, applies the chat
// policy, relays the upstream completion through hooks and stores whatever
// part of the reply was produced.
func (s *ChatService) Stream(ctx context.Context, req ChatRequest, hooks StreamHooks) (ChatOutcome, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return ChatOutcome{}, fmt.Errorf("%w: message is required", domain.ErrInvalid)
	}
	if n := utf8.RuneCountInString(msg); n > s.cfg.MaxRunes {
		return ChatOutcome{}, fmt.Errorf("%w: message exceeds %d characters", domain.ErrInvalid, s.cfg.MaxRunes)
	}

	conv, err := s.conversation(ctx, req)
	if err != nil {
		return ChatOutcome{}, err
	}
	history, err := s.convs.ListMessages(ctx, conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		return ChatOutcome{}, fmt.Errorf("load history: %w", err)
	}
	if err := s.convs.AppendMessage(ctx, domain.ChatMessage{
		ID: s.newID(), ConversationID: conv.ID, Role: domain.RoleUser, Content: msg,
	}); err != nil {
		return ChatOutcome{}, fmt.Errorf("store user message: %w", err)
	}

	out := ChatOutcome{ConversationID: conv.ID, Flagged: conv.Flagged}
	subject := conv.ID
	pres, err := s.policy.Evaluate(ctx, EvaluateInput{Scope: ChatScope, Context: chatContext(conv, history, msg), Subject: &subject})
	if err != nil {
		return out, fmt.Errorf("chat policy: %w", err)
	}
	switch pres.Decision {
	case domain.Block:
		observability.ObserveChatStream("blocked", 0, 0)
		reason := "message not allowed"
		if pres.Reason != nil {
			reason = *pres.Reason
		}
		return out, fmt.Errorf("%w: %s", domain.ErrBlocked, reason)
	case domain.Review:
		note := "flagged by policy"
		if pres.RuleName != nil {
			note = *pres.RuleName
		}
		if err := s.convs.FlagConversation(ctx, conv.ID, note); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("flag conversation failed")
		}
		out.Flagged = true
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()

	start := time.Now()
	body, err := s.llm.StreamChat(streamCtx, domain.CompletionRequest{Messages: s.prompt(history, msg)})
	if err != nil {
		observability.ObserveChatStream("failed", time.Since(start), 0)
		return out, err
	}
	defer body.Close()

	out.MessageID = s.newID()
	if hooks.Started != nil {
		if err := hooks.Started(StreamInfo{ConversationID: conv.ID, MessageID: out.MessageID, Flagged: out.Flagged}); err != nil {
			return out, err
		}
	}

	var sinkErr error
	asm, st, err := sse.Consume(streamCtx, body, func(f sse.Frame) error {
		if f.Delta == "" || hooks.Delta == nil {
			return nil
		}
		if err := hooks.Delta(f.Delta); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	text := asm.Text()
	out.Chars = utf8.RuneCountInString(text)

	outcome := "completed"
	out.FinishReason = asm.FinishReason()
	switch {
	case err == nil:
		if out.FinishReason == "" {
			out.FinishReason = "stop"
		}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome, out.FinishReason = "timeout", domain.FinishTimeout
	case ctx.Err() != nil || sinkErr != nil:
		outcome, out.FinishReason = "cancelled", domain.FinishCancelled
	default:
		outcome, out.FinishReason = "failed", domain.FinishError
	}
	observability.ObserveChatStream(outcome, time.Since(start), st.Malformed)

	logEv := log.Info()
	if err != nil {
		logEv = log.Warn().Err(err)
	}
	logEv.Str("conversation_id", conv.ID).Str("outcome", outcome).Int("bytes", st.Bytes).
		Int("frames", st.Frames).Int("malformed", st.Malformed).Dur("elapsed", time.Since(start)).Msg("chat_stream")

	if err == nil || text != "" {
		s.persistReply(ctx, out, text)
	}
	switch outcome {
	case "timeout":
		return out, fmt.Errorf("%w: stream timed out", domain.ErrUpstream)
	case "failed":
		return out, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	return out, err
}

// History returns up to limit latest messages of a conversation, oldest first.
func (s *ChatService) History(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("%w: conversation id", domain.ErrInvalid)
	}
	if _, err := s.convs.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.convs.ListMessages(ctx, conversationID, limit)
}

func (s *ChatService) conversation(ctx context.Context, req ChatRequest) (domain.Conversation, error) {
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			return domain.Conversation{}, fmt.Errorf("%w: conversation id", domain.ErrInvalid)
		}
		return s.convs.GetConversation(ctx, req.ConversationID)
	}
	ch := strings.TrimSpace(req.Channel)
	if ch == "" {
		ch = defaultChannel
	}
	c := domain.Conversation{ID: s.newID(), Channel: ch, CreatedAt: time.Now().UTC()}
	if err := s.convs.CreateConversation(ctx, c); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *ChatService) prompt(history []domain.ChatMessage, msg string) []domain.PromptMessage {
	out := make([]domain.PromptMessage, 0, len(history)+2)
	if s.cfg.SystemPrompt != "" {
		out = append(out, domain.PromptMessage{Role: domain.RoleSystem, Content: s.cfg.SystemPrompt})
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		out = append(out, domain.PromptMessage{Role: m.Role, Content: m.Content})
	}
	return append(out, domain.PromptMessage{Role: domain.RoleUser, Content: msg})
}

// persistReply stores the assistant message even when the client has gone,
// so partial replies stay visible in the history.
func (s *ChatService) persistReply(ctx context.Context, out ChatOutcome, text string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	finish := out.FinishReason
	if err := s.convs.AppendMessage(pctx, domain.ChatMessage{
		ID: out.MessageID, ConversationID: out.ConversationID, Role: domain.RoleAssistant,
		Content: text, FinishReason: &finish,
	}); err != nil {
		log.Error().Err(err).Str("conversation_id", out.ConversationID).Msg("store assistant message failed")
		return
	}
	if s.events == nil {
		return
	}
	if err := s.events.Publish(pctx, domain.EventChatCompleted, domain.ChatCompletedEvent{
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		FinishReason:   finish,
		Chars:          out.Chars,
		Flagged:        out.Flagged,
		CompletedAt:    time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("conversation_id", out.ConversationID).Msg("publish chat.completed failed")
	}
}

func chatContext(c domain.Conversation, history []domain.ChatMessage, msg string) map[string]any {
	turns := 0
	for _, m := range history {
		if m.Role == domain.RoleUser {
			turns++
		}
	}
	return map[string]any{
		"channel": c.Channel,
		"message": map[string]any{
			"text":   msg,
			"length": utf8.RuneCountInString(msg),
		},
		"conversation": map[string]any{
			"id":      c.ID,
			"turns":   turns,
			"flagged": c.Flagged,
		},
	}
}
