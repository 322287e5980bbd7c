package ws

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// Client represents a WebSocket client connection.
type Client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.Mutex
	closed bool
	joins  map[string]string // join ref -> topic
}

// NewClient creates a new WebSocket client for userID.
func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
		joins:  make(map[string]string),
	}
}

// Send queues data to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendFrame encodes and queues f.
func (c *Client) SendFrame(f transport.Frame) error {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// UserID returns the authenticated user of the connection.
func (c *Client) UserID() string {
	return c.userID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Joined reports whether the client joined topic with joinRef.
func (c *Client) Joined(topic, joinRef string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return joinRef != "" && c.joins[joinRef] == topic
}

func (c *Client) setJoin(joinRef, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins[joinRef] = topic
}

func (c *Client) clearJoin(joinRef string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topic, ok := c.joins[joinRef]
	delete(c.joins, joinRef)
	return topic, ok
}

// Joins returns a copy of the join ref to topic table.
func (c *Client) Joins() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	joins := make(map[string]string, len(c.joins))
	for ref, topic := range c.joins {
		joins[ref] = topic
	}
	return joins
}

// Topics returns the topics the client joined, sorted.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(c.joins))
	topics := make([]string, 0, len(c.joins))
	for _, topic := range c.joins {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

type member struct {
	joinRef string
	meta    presence.Meta
}

// Hub manages the members of one topic.
type Hub struct {
	topic   string
	members map[*Client]*member
	mu      sync.RWMutex

	// Callbacks
	onClose func()
}

// NewHub creates a new Hub for topic.
func NewHub(topic string) *Hub {
	return &Hub{
		topic:   topic,
		members: make(map[*Client]*member),
	}
}

// Topic returns the topic of this hub.
func (h *Hub) Topic() string {
	return h.topic
}

// SetOnClose sets the callback for when the last member leaves.
func (h *Hub) SetOnClose(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = callback
}

// Register adds client as a member joined with joinRef. meta, when not nil,
// is tracked as the client's presence entry. A membership the client already
// had is replaced and its presence entry returned.
func (h *Hub) Register(client *Client, joinRef string, meta presence.Meta) presence.Meta {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.members[client]
	h.members[client] = &member{joinRef: joinRef, meta: meta}
	if prev == nil {
		return nil
	}
	return prev.meta
}

// Unregister removes the membership client holds under joinRef and returns
// its presence entry. A replaced membership is left alone.
func (h *Hub) Unregister(client *Client, joinRef string) (presence.Meta, bool) {
	h.mu.Lock()
	m, ok := h.members[client]
	if !ok || m.joinRef != joinRef {
		h.mu.Unlock()
		return nil, false
	}
	delete(h.members, client)
	count := len(h.members)
	onClose := h.onClose
	h.mu.Unlock()

	// Call onClose callback if no members remain
	if count == 0 && onClose != nil {
		onClose()
	}
	return m.meta, true
}

// Broadcast sends a server event to every member except skip, which may be nil.
func (h *Hub) Broadcast(event string, payload []byte, skip *Client) {
	data, err := transport.EncodeFrame(transport.Frame{Topic: h.topic, Event: event, Payload: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.members {
		if client != skip {
			client.Send(data)
		}
	}
}

// Presence returns the tracked presence of the topic.
func (h *Hub) Presence() presence.State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state := presence.State{}
	for client, m := range h.members {
		if m.meta == nil {
			continue
		}
		state[client.userID] = append(state[client.userID], m.meta)
	}
	for _, metas := range state {
		sort.Slice(metas, func(i, j int) bool { return metas[i].Ref() < metas[j].Ref() })
	}
	return state
}

// ClientCount returns the number of members.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// HasClients returns true if the topic has members.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// Close drops all members. Their connections stay open.
func (h *Hub) Close() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[*Client]*member)
	h.mu.Unlock()

	for client, m := range members {
		client.clearJoin(m.joinRef)
	}
}

// HubManager manages the hubs of all topics.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for topic. The
// hub is removed again once its last member leaves.
func (m *HubManager) GetOrCreate(topic string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[topic]; ok {
		return hub
	}

	return m.newHubLocked(topic)
}

func (m *HubManager) newHubLocked(topic string) *Hub {
	hub := NewHub(topic)
	hub.SetOnClose(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.hubs[topic] == hub && !hub.HasClients() {
			delete(m.hubs, topic)
		}
	})
	m.hubs[topic] = hub
	return hub
}

// Register adds client to the hub of topic, creating the hub if needed. It
// returns the hub and the presence entry of a replaced membership.
func (m *HubManager) Register(topic string, client *Client, joinRef string, meta presence.Meta) (*Hub, presence.Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[topic]
	if !ok {
		hub = m.newHubLocked(topic)
	}
	return hub, hub.Register(client, joinRef, meta)
}

// Get returns the hub for topic, or nil if not found.
func (m *HubManager) Get(topic string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[topic]
}

// Remove removes the hub for topic.
func (m *HubManager) Remove(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[topic]; ok {
		hub.Close()
		delete(m.hubs, topic)
	}
}

// Len returns the number of live hubs.
func (m *HubManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hubs)
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
