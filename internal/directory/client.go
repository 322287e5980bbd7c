// Package directory lists and creates conversations over short-lived
// subscriptions to the directory topic.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

const (
	// DefaultTopic is the topic directory requests are sent on.
	DefaultTopic = "conversation:list"

	EventList   = "list_conversations"
	EventCreate = "create_conversation"
)

// Option configures a Client.
type Option func(*Client)

// WithTopic overrides the directory topic.
func WithTopic(topic string) Option {
	return func(c *Client) {
		if topic != "" {
			c.topic = topic
		}
	}
}

// WithLogger sets the logger used for tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// Client issues directory requests. Each call opens its own channel, so
// concurrent calls are independent.
type Client struct {
	socket        *transport.Socket
	participantID string
	topic         string
	log           *slog.Logger
}

// New creates a directory client on socket for participantID.
func New(socket *transport.Socket, participantID string, opts ...Option) *Client {
	c := &Client{
		socket:        socket,
		participantID: participantID,
		topic:         DefaultTopic,
		log:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topic returns the directory topic.
func (c *Client) Topic() string { return c.topic }

// List returns the conversations visible to the participant.
func (c *Client) List(ctx context.Context) ([]model.Conversation, error) {
	var resp struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	err := c.withChannel(ctx, func(ch *transport.Channel) error {
		return c.request(ctx, ch, EventList, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.Conversations == nil {
		resp.Conversations = []model.Conversation{}
	}
	return resp.Conversations, nil
}

// Create creates a conversation named name with the given participants.
func (c *Client) Create(ctx context.Context, name string, participants []string) (model.Conversation, error) {
	if participants == nil {
		participants = []string{}
	}
	req := model.CreateConversationRequest{Name: name, Participants: participants}

	var resp struct {
		Conversation model.Conversation `json:"conversation"`
	}
	err := c.withChannel(ctx, func(ch *transport.Channel) error {
		return c.request(ctx, ch, EventCreate, req, &resp)
	})
	if err != nil {
		return model.Conversation{}, err
	}
	return resp.Conversation, nil
}

// withChannel joins a fresh directory channel, runs fn on it and leaves.
// A refused or timed out join returns its error without sending a leave.
func (c *Client) withChannel(ctx context.Context, fn func(*transport.Channel) error) error {
	ch := c.socket.Channel(c.topic, map[string]string{"user_id": c.participantID})
	defer ch.Leave()

	if _, err := ch.Join().Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Debug("directory join failed", "topic", c.topic, "error", err)
		return fmt.Errorf("failed to join %s: %w", c.topic, err)
	}
	return fn(ch)
}

func (c *Client) request(ctx context.Context, ch *transport.Channel, event string, payload, out any) error {
	raw, err := ch.Push(event, payload).Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", event, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", event, err)
	}
	return nil
}
