// Package session is the chat facade: one socket, at most one active
// conversation, presence tracking and request helpers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/chatclient/internal/directory"
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// Server events and pushes on a conversation topic.
const (
	EventNewMessage    = "new_message"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
	EventFetchMessages = "fetch_messages"
	EventMarkRead      = "mark_read"

	// DefaultTopicPrefix is prepended to conversation ids to form their topic.
	DefaultTopicPrefix = "conversation:"
)

// Config holds configuration for a session.
type Config struct {
	// DefaultEndpoint replaces endpoints without a network scheme.
	DefaultEndpoint string

	TopicPrefix    string
	DirectoryTopic string

	Timeout           time.Duration
	HeartbeatInterval time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Session manages one connection and the active conversation on it.
// The zero value is not usable; create sessions with New.
type Session struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	socket         *transport.Socket
	participantID  string
	channel        *transport.Channel
	conversationID string

	presence *presence.Aggregator

	onMessage  callbackSlot[model.Message]
	onPresence callbackSlot[presence.Event]
	onState    callbackSlot[transport.ConnectionState]
	onError    callbackSlot[error]
}

// New creates a session.
func New(cfg Config) *Session {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.DirectoryTopic == "" {
		cfg.DirectoryTopic = directory.DefaultTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Session{
		cfg:      cfg,
		log:      logger,
		presence: presence.NewAggregator(),
	}
}

// Initialize opens the connection to endpoint with token for participantID.
// It returns once connecting has started; progress is reported through
// OnConnectionStateChange.
func (s *Session) Initialize(endpoint, token, participantID string) error {
	if token == "" {
		s.log.Error("initialize without token")
		return model.ErrTokenRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket != nil {
		return model.ErrAlreadyInitialized
	}

	socket := transport.NewSocket(endpoint, transport.Config{
		DefaultEndpoint:   s.cfg.DefaultEndpoint,
		Timeout:           s.cfg.Timeout,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		Dialer:            s.cfg.Dialer,
		Logger:            s.log,
	})
	socket.OnStateChange(s.onState.emit)
	socket.OnError(s.onError.emit)

	s.log.Debug("initializing session", "endpoint", socket.Endpoint(), "participant", participantID)
	if err := socket.Connect(token); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.socket = socket
	s.participantID = participantID
	return nil
}

// OnMessage sets the callback for messages on the active conversation.
func (s *Session) OnMessage(callback func(model.Message)) *Session {
	s.onMessage.set(callback)
	return s
}

// OnPresenceChange sets the callback for presence updates on the active conversation.
func (s *Session) OnPresenceChange(callback func(presence.Event)) *Session {
	s.onPresence.set(callback)
	return s
}

// OnConnectionStateChange sets the callback for connection state changes.
func (s *Session) OnConnectionStateChange(callback func(transport.ConnectionState)) *Session {
	s.onState.set(callback)
	return s
}

// OnError sets the callback for asynchronous and request errors.
func (s *Session) OnError(callback func(error)) *Session {
	s.onError.set(callback)
	return s
}

// State returns the connection state.
func (s *Session) State() transport.ConnectionState {
	s.mu.Lock()
	socket := s.socket
	s.mu.Unlock()
	if socket == nil {
		return transport.StateDisconnected
	}
	return socket.State()
}

// ParticipantID returns the id given to Initialize.
func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// ConversationID returns the active conversation, empty when there is none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Presence returns the merged presence of the active conversation.
func (s *Session) Presence() presence.State {
	return s.presence.State()
}

// Topic returns the topic of conversation id.
func (s *Session) Topic(id string) string {
	if strings.HasPrefix(id, s.cfg.TopicPrefix) {
		return id
	}
	return s.cfg.TopicPrefix + id
}

// JoinConversation makes id the active conversation, leaving the previous
// one first. A refused join is reported to OnError and not retried.
func (s *Session) JoinConversation(id string) *Session {
	s.mu.Lock()
	if s.socket == nil {
		s.mu.Unlock()
		s.fail(model.ErrNotConnected)
		return s
	}
	s.leaveLocked()

	topic := s.Topic(id)
	ch := s.socket.Channel(topic, map[string]string{"user_id": s.participantID})
	s.channel = ch
	s.conversationID = id
	s.mu.Unlock()

	ch.On(EventNewMessage, func(payload json.RawMessage) {
		if !s.isActive(ch) {
			return
		}
		var msg model.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("failed to decode message", "topic", topic, "error", err)
			s.onError.emit(fmt.Errorf("failed to decode message: %w", err))
			return
		}
		s.onMessage.emit(msg)
	})
	ch.On(EventPresenceState, func(payload json.RawMessage) {
		state, err := presence.DecodeState(payload)
		if err != nil {
			s.log.Warn("failed to decode presence state", "topic", topic, "error", err)
			return
		}
		ev, ok := s.applyIfActive(ch, func() presence.Event {
			return s.presence.ApplyFullState(state)
		})
		if ok {
			s.onPresence.emit(ev)
		}
	})
	ch.On(EventPresenceDiff, func(payload json.RawMessage) {
		diff, err := presence.DecodeDiff(payload)
		if err != nil {
			s.log.Warn("failed to decode presence diff", "topic", topic, "error", err)
			return
		}
		ev, ok := s.applyIfActive(ch, func() presence.Event {
			return s.presence.ApplyDiff(diff)
		})
		if ok {
			s.onPresence.emit(ev)
		}
	})

	s.log.Debug("joining conversation", "topic", topic)
	ch.Join().OnDone(func(_ json.RawMessage, err error) {
		if err == nil {
			s.log.Debug("joined conversation", "topic", topic)
			return
		}
		if !s.isActive(ch) {
			return
		}
		s.log.Warn("failed to join conversation", "topic", topic, "error", err)
		s.onError.emit(err)
	})
	return s
}

// LeaveConversation leaves the active conversation, if any.
func (s *Session) LeaveConversation() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked()
	return s
}

func (s *Session) leaveLocked() {
	if s.channel == nil {
		return
	}
	s.log.Debug("leaving conversation", "topic", s.channel.Topic())
	s.channel.Leave()
	s.channel = nil
	s.conversationID = ""
	s.presence.Reset()
}

// Disconnect leaves the active conversation and closes the connection.
// The session can be initialized again afterwards.
func (s *Session) Disconnect() *Session {
	s.mu.Lock()
	s.leaveLocked()
	socket := s.socket
	s.socket = nil
	s.mu.Unlock()

	if socket != nil {
		socket.Disconnect()
	}
	return s
}

// SendMessage posts content to the active conversation and returns the
// server acknowledgement.
func (s *Session) SendMessage(ctx context.Context, content string) (json.RawMessage, error) {
	return s.pushActive(ctx, EventNewMessage, map[string]string{"content": content})
}

// FetchMessageHistory returns up to limit messages of the active
// conversation older than the message before, or the latest ones when
// before is nil. A non-positive limit selects model.DefaultHistoryLimit.
func (s *Session) FetchMessageHistory(ctx context.Context, limit int, before *string) ([]model.Message, error) {
	if limit <= 0 {
		limit = model.DefaultHistoryLimit
	}
	raw, err := s.pushActive(ctx, EventFetchMessages, model.HistoryRequest{Limit: limit, Before: before})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode message history: %w", err)
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return resp.Messages, nil
}

// MarkAsRead marks messageIDs of the active conversation as read.
func (s *Session) MarkAsRead(ctx context.Context, messageIDs []string) (json.RawMessage, error) {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return s.pushActive(ctx, EventMarkRead, map[string][]string{"message_ids": messageIDs})
}

// FetchConversations lists the conversations of the participant.
func (s *Session) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	dir, err := s.directory()
	if err != nil {
		return nil, err
	}
	convs, err := dir.List(ctx)
	if err != nil {
		s.report(err)
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a conversation with the given participants.
func (s *Session) CreateConversation(ctx context.Context, name string, participants []string) (model.Conversation, error) {
	dir, err := s.directory()
	if err != nil {
		return model.Conversation{}, err
	}
	conv, err := dir.Create(ctx, name, participants)
	if err != nil {
		s.report(err)
		return model.Conversation{}, err
	}
	return conv, nil
}

func (s *Session) directory() (*directory.Client, error) {
	s.mu.Lock()
	socket, participantID := s.socket, s.participantID
	s.mu.Unlock()

	if socket == nil {
		s.fail(model.ErrNotConnected)
		return nil, model.ErrNotConnected
	}
	return directory.New(socket, participantID,
		directory.WithTopic(s.cfg.DirectoryTopic),
		directory.WithLogger(s.log),
	), nil
}

// pushActive sends event on the active conversation and waits for the reply.
func (s *Session) pushActive(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		s.fail(model.ErrNoConversation)
		return nil, model.ErrNoConversation
	}

	raw, err := ch.Push(event, payload).Wait(ctx)
	if err != nil {
		s.report(err)
		return nil, err
	}
	return raw, nil
}

func (s *Session) isActive(ch *transport.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel == ch
}

// applyIfActive runs apply while ch is the active channel. Switching
// conversations resets the view under the same lock, so a stale channel
// never writes into the view of the next one.
func (s *Session) applyIfActive(ch *transport.Channel, apply func() presence.Event) (presence.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != ch {
		return presence.Event{}, false
	}
	return apply(), true
}

// fail reports a precondition failure.
func (s *Session) fail(err error) {
	s.log.Warn("precondition failed", "error", err)
	s.onError.emit(err)
}

// report forwards request failures to OnError. Timeouts and abandoned waits
// are only returned to the caller.
func (s *Session) report(err error) {
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.onError.emit(err)
}
