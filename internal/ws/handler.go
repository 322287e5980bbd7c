package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Time allowed for one request against the repositories.
	requestTimeout = 5 * time.Second
)

// Handler speaks the channel protocol over upgraded connections.
type Handler struct {
	service  *Service
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		service: service,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// HandleConnection upgrades the request and serves the connection of an
// authenticated user until it closes.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, userID)
	h.log.Info("socket connected", "user_id", userID, "remote", r.RemoteAddr)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

func (h *Handler) handleFrame(client *Client, f transport.Frame) {
	switch {
	case f.Topic == transport.TopicPhoenix && f.Event == transport.EventHeartbeat:
		h.reply(client, f, transport.StatusOK, nil)
	case f.Event == transport.EventJoin:
		h.handleJoin(client, f)
	case f.Event == transport.EventLeave:
		h.handleLeave(client, f)
	case !client.Joined(f.Topic, f.JoinRef):
		h.reply(client, f, transport.StatusError, map[string]string{"reason": "unmatched topic"})
	default:
		h.handleRequest(client, f)
	}
}

func (h *Handler) handleJoin(client *Client, f transport.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := h.service.Authorize(ctx, client.UserID(), f.Topic); err != nil {
		h.log.Info("join refused", "user_id", client.UserID(), "topic", f.Topic, "error", err)
		h.replyError(client, f, err)
		return
	}

	client.setJoin(f.JoinRef, f.Topic)
	h.reply(client, f, transport.StatusOK, nil)

	if !h.service.TracksPresence(f.Topic) {
		return
	}

	meta := presence.Meta{
		"phx_ref":   uuid.NewString(),
		"online_at": time.Now().Unix(),
	}
	hub, replaced := h.service.HubManager().Register(f.Topic, client, f.JoinRef, meta)

	self := presence.State{client.UserID(): {meta}}
	diff := presence.Diff{Joins: self, Leaves: presence.State{}}
	if replaced != nil {
		diff.Leaves = presence.State{client.UserID(): {replaced}}
	}

	h.sendPresence(client, f, hub.Presence())
	h.broadcastDiff(hub, client, diff)
}

func (h *Handler) handleLeave(client *Client, f transport.Frame) {
	h.leave(client, f.JoinRef, f.Topic)
	h.reply(client, f, transport.StatusOK, nil)
}

// leave drops the membership joined under joinRef and announces it.
func (h *Handler) leave(client *Client, joinRef, topic string) {
	if _, ok := client.clearJoin(joinRef); !ok {
		return
	}
	hub := h.service.HubManager().Get(topic)
	if hub == nil {
		return
	}
	meta, ok := hub.Unregister(client, joinRef)
	if !ok || meta == nil {
		return
	}
	h.broadcastDiff(hub, client, presence.Diff{
		Joins:  presence.State{},
		Leaves: presence.State{client.UserID(): {meta}},
	})
}

func (h *Handler) handleRequest(client *Client, f transport.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := h.service.HandleEvent(ctx, client.UserID(), f.Topic, f.Event, f.Payload)
	if err != nil {
		h.replyError(client, f, err)
		return
	}
	h.reply(client, f, transport.StatusOK, resp)
}

func (h *Handler) replyError(client *Client, f transport.Frame, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		h.log.Error("request failed", "user_id", client.UserID(), "topic", f.Topic, "event", f.Event, "error", err)
		reqErr = &RequestError{Reason: "internal error"}
	}
	h.reply(client, f, transport.StatusError, map[string]string{"reason": reqErr.Reason})
}

func (h *Handler) reply(client *Client, request transport.Frame, status string, response any) {
	f, err := transport.Reply(request, status, response)
	if err != nil {
		h.log.Error("failed to encode reply", "event", request.Event, "error", err)
		return
	}
	if err := client.SendFrame(f); err != nil {
		h.log.Error("failed to send reply", "event", request.Event, "error", err)
	}
}

func (h *Handler) sendPresence(client *Client, join transport.Frame, state presence.State) {
	payload, err := json.Marshal(state)
	if err != nil {
		h.log.Error("failed to marshal presence", "topic", join.Topic, "error", err)
		return
	}
	err = client.SendFrame(transport.Frame{
		JoinRef: join.JoinRef,
		Topic:   join.Topic,
		Event:   EventPresenceState,
		Payload: payload,
	})
	if err != nil {
		h.log.Error("failed to send presence", "topic", join.Topic, "error", err)
	}
}

func (h *Handler) broadcastDiff(hub *Hub, skip *Client, diff presence.Diff) {
	payload, err := json.Marshal(diff)
	if err != nil {
		h.log.Error("failed to marshal presence diff", "topic", hub.Topic(), "error", err)
		return
	}
	hub.Broadcast(EventPresenceDiff, payload, skip)
}

// readPump reads frames from the connection until it fails, then drops
// every membership the client holds.
func (h *Handler) readPump(client *Client) {
	defer func() {
		for ref, topic := range client.Joins() {
			h.leave(client, ref, topic)
		}
		client.Close()
		client.Conn().Close()
		h.log.Info("socket disconnected", "user_id", client.UserID())
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "user_id", client.UserID(), "error", err)
			}
			break
		}
		// Frames carry the heartbeat, so any read extends the deadline.
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))

		f, err := transport.DecodeFrame(message)
		if err != nil {
			h.log.Warn("failed to decode frame", "user_id", client.UserID(), "error", err)
			continue
		}

		h.handleFrame(client, f)
	}
}

// writePump writes queued frames to the connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per WebSocket message
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
