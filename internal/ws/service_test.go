package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/chatclient/internal/db"
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/repository"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

type testService struct {
	*Service
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
}

func setupTestService(t *testing.T) (*testService, func()) {
	t.Helper()

	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	conversations := repository.NewConversationRepository(database)
	messages := repository.NewMessageRepository(database)
	svc := NewService(NewHubManager(), conversations, messages, ServiceConfig{})

	cleanup := func() {
		svc.Close()
		database.Close()
	}
	return &testService{Service: svc, conversations: conversations, messages: messages}, cleanup
}

// call runs one request and returns the reply as JSON.
func (s *testService) call(t *testing.T, userID, topic, event string, payload any) (json.RawMessage, error) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := s.HandleEvent(context.Background(), userID, topic, event, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return out, nil
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, reason, reqErr.Reason)
}

func TestService_Authorize(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	conv, err := svc.conversations.Create(ctx, &model.CreateConversationRequest{
		Name: "general", Participants: []string{"bob"}, CreatorID: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Authorize(ctx, "anyone", "conversation:list"))
	require.NoError(t, svc.Authorize(ctx, "alice", svc.Topic(conv.ID)))
	require.NoError(t, svc.Authorize(ctx, "bob", svc.Topic(conv.ID)))

	requireReason(t, svc.Authorize(ctx, "carol", svc.Topic(conv.ID)), "unauthorized")
	requireReason(t, svc.Authorize(ctx, "alice", svc.Topic("missing")), "conversation not found")
	requireReason(t, svc.Authorize(ctx, "alice", "lobby:1"), "unknown topic")
	requireReason(t, svc.Authorize(ctx, "alice", "conversation:"), "unknown topic")
}

func TestService_TracksPresence(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()

	require.True(t, svc.TracksPresence("conversation:c1"))
	require.False(t, svc.TracksPresence("conversation:list"))
	require.False(t, svc.TracksPresence("lobby:1"))
}

func TestService_Directory(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()

	out, err := svc.call(t, "alice", "conversation:list", EventListConversations, map[string]any{})
	require.NoError(t, err)
	require.JSONEq(t, `{"conversations":[]}`, string(out))

	out, err = svc.call(t, "alice", "conversation:list", EventCreateConversation, map[string]any{
		"name": "general", "participants": []string{"bob", "alice"},
	})
	require.NoError(t, err)

	var created struct {
		Conversation model.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(out, &created))
	require.Equal(t, "general", created.Conversation.Name)
	require.Equal(t, []string{"alice", "bob"}, created.Conversation.Participants)

	out, err = svc.call(t, "bob", "conversation:list", EventListConversations, map[string]any{})
	require.NoError(t, err)
	var listed struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(out, &listed))
	require.Len(t, listed.Conversations, 1)
	require.Equal(t, created.Conversation.ID, listed.Conversations[0].ID)

	_, err = svc.call(t, "alice", "conversation:list", EventCreateConversation, map[string]any{"name": ""})
	requireReason(t, err, model.ErrNameRequired.Error())

	_, err = svc.call(t, "alice", "conversation:list", "delete_everything", map[string]any{})
	requireReason(t, err, "unknown event delete_everything")
}

func TestService_Messages(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	conv, err := svc.conversations.Create(ctx, &model.CreateConversationRequest{
		Name: "general", Participants: []string{"bob"}, CreatorID: "alice",
	})
	require.NoError(t, err)
	topic := svc.Topic(conv.ID)

	// A member of the topic sees the broadcast
	bob := NewClient(nil, "bob")
	svc.HubManager().Register(topic, bob, "1", presence.Meta{"phx_ref": "b"})

	out, err := svc.call(t, "alice", topic, EventNewMessage, map[string]string{"content": "hello"})
	require.NoError(t, err)
	var sent struct {
		Message model.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(out, &sent))
	require.Equal(t, "hello", sent.Message.Content)
	require.Equal(t, "alice", sent.Message.UserID)
	require.Equal(t, conv.ID, sent.Message.ConversationID)

	frames := drain(bob)
	require.Len(t, frames, 1)
	f, err := transport.DecodeFrame(frames[0])
	require.NoError(t, err)
	require.Equal(t, EventNewMessage, f.Event)
	var broadcast model.Message
	require.NoError(t, json.Unmarshal(f.Payload, &broadcast))
	require.Equal(t, sent.Message.ID, broadcast.ID)

	_, err = svc.call(t, "alice", topic, EventNewMessage, map[string]string{"content": "  "})
	requireReason(t, err, "content is required")

	_, err = svc.call(t, "bob", topic, EventNewMessage, map[string]string{"content": "hi alice"})
	require.NoError(t, err)

	t.Run("history", func(t *testing.T) {
		out, err := svc.call(t, "alice", topic, EventFetchMessages, model.HistoryRequest{})
		require.NoError(t, err)
		var history struct {
			Messages []model.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(out, &history))
		require.Len(t, history.Messages, 2)
		require.Equal(t, "hello", history.Messages[0].Content)
		require.Equal(t, "hi alice", history.Messages[1].Content)

		before := history.Messages[1].ID
		out, err = svc.call(t, "alice", topic, EventFetchMessages, model.HistoryRequest{Limit: 5, Before: &before})
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(out, &history))
		require.Len(t, history.Messages, 1)
		require.Equal(t, sent.Message.ID, history.Messages[0].ID)

		missing := "nope"
		_, err = svc.call(t, "alice", topic, EventFetchMessages, model.HistoryRequest{Before: &missing})
		requireReason(t, err, model.ErrMessageNotFound.Error())
	})

	t.Run("mark read", func(t *testing.T) {
		out, err := svc.call(t, "bob", topic, EventMarkRead, map[string][]string{"message_ids": {sent.Message.ID, "nope"}})
		require.NoError(t, err)
		require.JSONEq(t, `{"marked":1}`, string(out))

		out, err = svc.call(t, "bob", topic, EventMarkRead, map[string][]string{"message_ids": {sent.Message.ID}})
		require.NoError(t, err)
		require.JSONEq(t, `{"marked":0}`, string(out))

		readers, err := svc.messages.ReadBy(ctx, sent.Message.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"bob"}, readers)
	})

	_, err = svc.call(t, "alice", topic, "typing", map[string]any{})
	requireReason(t, err, "unknown event typing")
}
