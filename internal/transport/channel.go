package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ChannelState is the join state of a Channel.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed" // created, join not attempted yet
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelErrored ChannelState = "errored"
	ChannelLeft    ChannelState = "left"
)

// Handler receives the payload of a server event.
type Handler func(payload json.RawMessage)

// Channel is the client side of one joined topic.
type Channel struct {
	socket *Socket
	topic  string
	params any

	mu       sync.Mutex
	state    ChannelState
	joinRef  string
	joinPush *Push
	handlers map[string]Handler
	buffer   []*Push
}

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.topic }

// State returns the current join state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinRef returns the ref of the join push, empty before Join.
func (c *Channel) JoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

// On installs the handler for event, replacing any previous one.
// Events dispatched before the handler is installed are not replayed.
func (c *Channel) On(event string, handler Handler) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelLeft {
		return c
	}
	c.handlers[event] = handler
	return c
}

// Join sends the join request. The returned push resolves with the server
// join payload, or with the rejection or timeout.
func (c *Channel) Join() *Push {
	params, err := marshalPayload(c.params)
	if err != nil {
		return failedPush(c.topic, EventJoin, fmt.Errorf("failed to encode join params: %w", err))
	}

	c.mu.Lock()
	if c.joinPush != nil || c.state == ChannelLeft {
		c.mu.Unlock()
		return failedPush(c.topic, EventJoin, ErrAlreadyJoined)
	}
	p := c.socket.newPush(c.topic, EventJoin, params, func(_ json.RawMessage, err error) {
		c.joinDone(err)
	})
	c.joinPush = p
	c.joinRef = p.ref
	c.state = ChannelJoining
	c.mu.Unlock()

	c.socket.log.Debug("joining channel", "topic", c.topic, "ref", p.ref)
	c.socket.write(Frame{JoinRef: p.ref, Ref: p.ref, Topic: c.topic, Event: EventJoin, Payload: params})
	return p
}

// joinDone runs on the callback queue once the join push resolves.
func (c *Channel) joinDone(err error) {
	c.mu.Lock()
	if c.state != ChannelJoining {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = ChannelErrored
		c.mu.Unlock()
		c.socket.log.Debug("channel join failed", "topic", c.topic, "error", err)
		return
	}
	c.state = ChannelJoined
	buffered := c.buffer
	c.buffer = nil
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.log.Debug("channel joined", "topic", c.topic, "buffered", len(buffered))
	for _, p := range buffered {
		c.socket.write(Frame{JoinRef: joinRef, Ref: p.ref, Topic: c.topic, Event: p.event, Payload: p.payload})
	}
}

// Push sends event with payload. While the join is in flight the push is
// buffered and sent once the join succeeds; its timeout runs from now.
func (c *Channel) Push(event string, payload any) *Push {
	raw, err := marshalPayload(payload)
	if err != nil {
		return failedPush(c.topic, event, fmt.Errorf("failed to encode %s payload: %w", event, err))
	}

	c.mu.Lock()
	switch c.state {
	case ChannelJoined:
		joinRef := c.joinRef
		c.mu.Unlock()
		p := c.socket.newPush(c.topic, event, raw, nil)
		c.socket.write(Frame{JoinRef: joinRef, Ref: p.ref, Topic: c.topic, Event: event, Payload: raw})
		return p
	case ChannelJoining:
		p := c.socket.newPush(c.topic, event, raw, nil)
		c.buffer = append(c.buffer, p)
		c.mu.Unlock()
		return p
	default:
		c.mu.Unlock()
		return failedPush(c.topic, event, ErrNotJoined)
	}
}

// Leave detaches the channel. Handlers are dropped at once and later server
// events for this instance are ignored. The leave request is sent without
// waiting for its reply.
func (c *Channel) Leave() {
	c.mu.Lock()
	if c.state == ChannelLeft {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = ChannelLeft
	c.handlers = make(map[string]Handler)
	c.buffer = nil
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.remove(c)
	if prev == ChannelJoined || prev == ChannelJoining {
		c.socket.log.Debug("leaving channel", "topic", c.topic)
		c.socket.write(Frame{JoinRef: joinRef, Ref: c.socket.makeRef(), Topic: c.topic, Event: EventLeave})
	}
}

// trigger delivers a server frame to the channel. It runs on the callback queue.
func (c *Channel) trigger(f Frame) {
	c.mu.Lock()
	if c.state == ChannelLeft || c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	if f.JoinRef != "" && f.JoinRef != c.joinRef {
		c.mu.Unlock()
		c.socket.log.Debug("dropping stale frame", "topic", c.topic, "event", f.Event, "join_ref", f.JoinRef)
		return
	}

	switch f.Event {
	case EventError:
		if c.state == ChannelJoined || c.state == ChannelJoining {
			c.state = ChannelErrored
		}
	case EventClose:
		c.state = ChannelLeft
	}
	handler := c.handlers[f.Event]
	if f.Event == EventClose {
		c.handlers = make(map[string]Handler)
	}
	c.mu.Unlock()

	if f.Event == EventClose {
		c.socket.remove(c)
	}
	if handler != nil {
		handler(f.Payload)
	}
}

// socketClosed marks a joined or joining channel as errored.
func (c *Channel) socketClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelJoined || c.state == ChannelJoining {
		c.state = ChannelErrored
	}
}
