package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/repository"
)

// Directory and conversation events handled by the service.
const (
	EventListConversations  = "list_conversations"
	EventCreateConversation = "create_conversation"
	EventNewMessage         = "new_message"
	EventFetchMessages      = "fetch_messages"
	EventMarkRead           = "mark_read"
	EventPresenceState      = "presence_state"
	EventPresenceDiff       = "presence_diff"
)

// RequestError is a refusal reported to the client as {"reason": ...}.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func refuse(reason string) error { return &RequestError{Reason: reason} }

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	TopicPrefix    string
	DirectoryTopic string
	Logger         *slog.Logger
}

// Service answers directory and conversation requests from the repositories
// and fans new messages out to topic members.
type Service struct {
	hubs          *HubManager
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository

	topicPrefix    string
	directoryTopic string
	log            *slog.Logger
}

// NewService creates a new service.
func NewService(hubs *HubManager, conversations *repository.ConversationRepository, messages *repository.MessageRepository, cfg ServiceConfig) *Service {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "conversation:"
	}
	if cfg.DirectoryTopic == "" {
		cfg.DirectoryTopic = "conversation:list"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Service{
		hubs:           hubs,
		conversations:  conversations,
		messages:       messages,
		topicPrefix:    cfg.TopicPrefix,
		directoryTopic: cfg.DirectoryTopic,
		log:            logger,
	}
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubs
}

// Topic returns the topic of conversation id.
func (s *Service) Topic(conversationID string) string {
	return s.topicPrefix + conversationID
}

func (s *Service) conversationID(topic string) (string, bool) {
	if topic == s.directoryTopic || !strings.HasPrefix(topic, s.topicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, s.topicPrefix)
	return id, id != ""
}

// TracksPresence reports whether topic is a conversation topic.
func (s *Service) TracksPresence(topic string) bool {
	_, ok := s.conversationID(topic)
	return ok
}

// Authorize checks that userID may join topic.
func (s *Service) Authorize(ctx context.Context, userID, topic string) error {
	if topic == s.directoryTopic {
		return nil
	}
	id, ok := s.conversationID(topic)
	if !ok {
		return refuse("unknown topic")
	}

	conv, err := s.conversations.GetByID(ctx, id)
	if errors.Is(err, model.ErrConversationNotFound) {
		return refuse(err.Error())
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return refuse("unauthorized")
	}
	return nil
}

// HandleEvent answers one request. The returned value is the reply response.
func (s *Service) HandleEvent(ctx context.Context, userID, topic, event string, payload json.RawMessage) (any, error) {
	if topic == s.directoryTopic {
		switch event {
		case EventListConversations:
			return s.listConversations(ctx, userID)
		case EventCreateConversation:
			return s.createConversation(ctx, userID, payload)
		}
		return nil, refuse("unknown event " + event)
	}

	id, ok := s.conversationID(topic)
	if !ok {
		return nil, refuse("unknown topic")
	}
	switch event {
	case EventNewMessage:
		return s.newMessage(ctx, userID, id, payload)
	case EventFetchMessages:
		return s.fetchMessages(ctx, id, payload)
	case EventMarkRead:
		return s.markRead(ctx, userID, id, payload)
	}
	return nil, refuse("unknown event " + event)
}

func (s *Service) listConversations(ctx context.Context, userID string) (any, error) {
	convs, err := s.conversations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	return map[string]any{"conversations": convs}, nil
}

func (s *Service) createConversation(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req model.CreateConversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, refuse("invalid payload")
	}
	req.CreatorID = userID

	conv, err := s.conversations.Create(ctx, &req)
	if errors.Is(err, model.ErrNameRequired) {
		return nil, refuse(err.Error())
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("conversation created", "id", conv.ID, "name", conv.Name, "participants", len(conv.Participants))
	return map[string]any{"conversation": conv}, nil
}

func (s *Service) newMessage(ctx context.Context, userID, conversationID string, payload json.RawMessage) (any, error) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, refuse("invalid payload")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, refuse("content is required")
	}

	msg, err := s.messages.Create(ctx, conversationID, userID, req.Content)
	if err != nil {
		return nil, err
	}

	if hub := s.hubs.Get(s.Topic(conversationID)); hub != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		hub.Broadcast(EventNewMessage, data, nil)
	}
	return map[string]any{"message": msg}, nil
}

func (s *Service) fetchMessages(ctx context.Context, conversationID string, payload json.RawMessage) (any, error) {
	var req model.HistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, refuse("invalid payload")
	}
	if req.Limit <= 0 {
		req.Limit = model.DefaultHistoryLimit
	}

	msgs, err := s.messages.List(ctx, conversationID, req.Limit, req.Before)
	if errors.Is(err, model.ErrMessageNotFound) {
		return nil, refuse(err.Error())
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Service) markRead(ctx context.Context, userID, conversationID string, payload json.RawMessage) (any, error) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, refuse("invalid payload")
	}

	n, err := s.messages.MarkRead(ctx, conversationID, userID, req.MessageIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"marked": n}, nil
}

// Close drops every topic member.
func (s *Service) Close() {
	s.hubs.Close()
}
