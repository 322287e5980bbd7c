// Package chat exposes the chat session client to code outside this module.
package chat

import (
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/session"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// Re-export types for external use
type (
	Session         = session.Session
	Config          = session.Config
	Message         = model.Message
	Conversation    = model.Conversation
	PresenceState   = presence.State
	PresenceEvent   = presence.Event
	ConnectionState = transport.ConnectionState
	ReplyError      = transport.ReplyError
	ConnError       = transport.ConnError
)

// Connection states.
const (
	StateDisconnected = transport.StateDisconnected
	StateConnecting   = transport.StateConnecting
	StateConnected    = transport.StateConnected
	StateError        = transport.StateError
)

// Errors callers can match with errors.Is.
var (
	ErrTokenRequired  = model.ErrTokenRequired
	ErrNotConnected   = model.ErrNotConnected
	ErrNoConversation = model.ErrNoConversation
	ErrTimeout        = transport.ErrTimeout
)

// NewSession creates a session. See session.Config for the defaults.
func NewSession(cfg Config) *Session {
	return session.New(cfg)
}
