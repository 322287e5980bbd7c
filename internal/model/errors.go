package model

import "errors"

var (
	// ErrTokenRequired is returned when a connection is attempted without a credential.
	ErrTokenRequired = errors.New("authentication token is required")

	// ErrNotConnected is returned when an operation needs a socket and none is open.
	ErrNotConnected = errors.New("socket not connected")

	// ErrAlreadyInitialized is returned when a session is initialized twice.
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrNoConversation is returned when a conversation operation is issued before any join.
	ErrNoConversation = errors.New("not connected to any conversation")

	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUserNotFound is returned when a user lookup fails.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken is returned when a user is registered with an email already in use.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials is returned when an email/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrForbidden is returned when a participant may not access a conversation.
	ErrForbidden = errors.New("forbidden")

	// ErrNameRequired is returned when a conversation is created without a name.
	ErrNameRequired = errors.New("conversation name is required")
)
