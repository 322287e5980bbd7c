package transport

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/chatclient/internal/model"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Maximum message size accepted from the server.
	maxMessageSize = 1 << 20

	// Capacity of the outbound frame queue of a live connection.
	sendBufferSize = 256

	// DefaultTimeout is how long a push waits for its reply.
	DefaultTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is the period of protocol heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second
)

// ConnectionState represents the state of the physical connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnError is a transport level failure: the dial or the connection itself broke.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return "socket " + e.Op + " failed: " + e.Err.Error()
}

func (e *ConnError) Unwrap() error { return e.Err }

// Config holds socket options. Zero values select the defaults.
type Config struct {
	// DefaultEndpoint replaces endpoints that carry no network scheme.
	DefaultEndpoint string

	// Timeout bounds how long a push waits for its reply.
	Timeout time.Duration

	// HeartbeatInterval is the period between protocol heartbeats.
	HeartbeatInterval time.Duration

	// Params are extra query parameters sent when dialing.
	Params map[string]string

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Socket owns the single connection to the messaging server.
type Socket struct {
	endpoint string
	cfg      Config
	log      *slog.Logger
	queue    cbQueue
	ref      atomic.Uint64

	mu           sync.Mutex
	state        ConnectionState
	gen          uint64
	sendCh       chan []byte
	done         chan struct{}
	pending      [][]byte // frames written while connecting
	heartbeatRef string
	channels     []*Channel
	onState      func(ConnectionState)
	onError      func(error)

	pushMu sync.Mutex
	pushes map[string]*Push
}

// NewSocket creates a socket for endpoint. The endpoint is resolved with
// ResolveEndpoint against cfg.DefaultEndpoint. Call Connect to open it.
func NewSocket(endpoint string, cfg Config) *Socket {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Socket{
		endpoint: ResolveEndpoint(endpoint, cfg.DefaultEndpoint),
		cfg:      cfg,
		log:      logger,
		state:    StateDisconnected,
		pushes:   make(map[string]*Push),
	}
}

// Endpoint returns the resolved endpoint.
func (s *Socket) Endpoint() string { return s.endpoint }

// Timeout returns the push timeout window.
func (s *Socket) Timeout() time.Duration { return s.cfg.Timeout }

// State returns the current connection state.
func (s *Socket) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange sets the callback for connection state changes.
func (s *Socket) OnStateChange(callback func(ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = callback
}

// OnError sets the callback for transport errors.
func (s *Socket) OnError(callback func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

// Connect starts connecting with token in the background. It fails at once,
// without touching the network, when token is empty. Calling Connect on a
// connecting or connected socket does nothing.
func (s *Socket) Connect(token string) error {
	if token == "" {
		return model.ErrTokenRequired
	}
	dialURL, err := DialURL(s.endpoint, token, s.cfg.Params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.log.Debug("connecting", "endpoint", s.endpoint)
	go s.run(gen, dialURL)
	return nil
}

// Disconnect closes the connection. Frames already queued are flushed before
// the close frame. Calling it on a disconnected socket has no effect.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	done := s.done
	s.resetLocked()
	s.setStateLocked(StateDisconnected)
	s.closeChannelsLocked()
	s.mu.Unlock()

	s.log.Debug("disconnected", "endpoint", s.endpoint)
	if done != nil {
		close(done)
	}
}

// Channel creates a channel for topic. params are sent with the join.
func (s *Socket) Channel(topic string, params any) *Channel {
	c := &Channel{
		socket:   s,
		topic:    topic,
		params:   params,
		state:    ChannelClosed,
		handlers: make(map[string]Handler),
	}

	s.mu.Lock()
	s.channels = append(s.channels, c)
	s.mu.Unlock()

	return c
}

// Channels returns the channels currently registered on the socket.
func (s *Socket) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.channels...)
}

// remove unregisters c so it no longer receives frames.
func (s *Socket) remove(c *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.channels {
		if ch == c {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *Socket) channelsFor(topic string) []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Channel
	for _, c := range s.channels {
		if c.topic == topic {
			out = append(out, c)
		}
	}
	return out
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// newPush registers a push awaiting its reply and starts its timeout.
// hook, if set, runs when the push resolves.
func (s *Socket) newPush(topic, event string, payload json.RawMessage, hook func(json.RawMessage, error)) *Push {
	p := newPush(topic, event, s.makeRef())
	p.payload = payload
	if hook != nil {
		p.hooks = append(p.hooks, hook)
	}

	s.pushMu.Lock()
	s.pushes[p.ref] = p
	s.pushMu.Unlock()

	p.mu.Lock()
	p.timer = time.AfterFunc(s.cfg.Timeout, func() {
		s.queue.push(func() {
			if s.takePush(p.ref) == nil {
				return
			}
			s.log.Debug("push timed out", "topic", topic, "event", event, "ref", p.ref)
			p.resolve(nil, ErrTimeout)
		})
	})
	p.mu.Unlock()

	return p
}

func (s *Socket) takePush(ref string) *Push {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	p, ok := s.pushes[ref]
	if !ok {
		return nil
	}
	delete(s.pushes, ref)
	return p
}

// write sends f on the live connection, or buffers it while connecting.
// Frames written while disconnected are dropped; their pushes time out.
func (s *Socket) write(f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		s.log.Warn("failed to encode frame", "topic", f.Topic, "event", f.Event, "error", err)
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected:
		send, done := s.sendCh, s.done
		s.mu.Unlock()
		select {
		case send <- data:
		case <-done:
		}
	case StateConnecting:
		s.pending = append(s.pending, data)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.log.Debug("dropping frame, socket not connected", "topic", f.Topic, "event", f.Event)
	}
}

// run dials and then serves the connection until it closes.
func (s *Socket) run(gen uint64, dialURL string) {
	conn, _, err := s.cfg.Dialer.Dial(dialURL, nil)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.gen++
		s.resetLocked()
		s.failLocked(&ConnError{Op: "dial", Err: err})
		s.mu.Unlock()
		return
	}

	done := make(chan struct{})
	send := make(chan []byte, sendBufferSize+len(s.pending))
	for _, data := range s.pending {
		send <- data
	}
	s.pending = nil
	s.sendCh, s.done = send, done
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.log.Debug("connected", "endpoint", s.endpoint)
	go s.writePump(gen, conn, send, done)
	s.readPump(gen, conn)
}

// readPump pumps frames from the connection into the callback queue.
func (s *Socket) readPump(gen uint64, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connClosed(gen, err)
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			s.log.Warn("failed to decode frame", "error", err)
			continue
		}
		s.queue.push(func() {
			s.dispatch(f)
		})
	}
}

// writePump pumps frames to the connection and sends heartbeats. When done
// is closed it flushes what is queued, sends a close frame and closes conn.
func (s *Socket) writePump(gen uint64, conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			s.flush(conn, send)
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return

		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn("failed to write frame", "error", err)
				return
			}

		case <-ticker.C:
			data, ok := s.heartbeat(gen)
			if !ok {
				s.log.Warn("heartbeat timeout, closing connection")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("failed to write heartbeat", "error", err)
				return
			}
		}
	}
}

func (s *Socket) flush(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// heartbeat returns the next heartbeat frame, or false when the previous one
// was never acknowledged.
func (s *Socket) heartbeat(gen uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.heartbeatRef != "" {
		return nil, false
	}
	ref := s.makeRef()
	data, err := EncodeFrame(Frame{Ref: ref, Topic: TopicPhoenix, Event: EventHeartbeat})
	if err != nil {
		return nil, false
	}
	s.heartbeatRef = ref
	return data, true
}

// connClosed handles the end of a live connection.
func (s *Socket) connClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	done := s.done
	s.resetLocked()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("connection closed by server", "error", err)
		s.setStateLocked(StateDisconnected)
		s.closeChannelsLocked()
	} else {
		s.failLocked(&ConnError{Op: "read", Err: err})
	}
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// failLocked reports err as a transport error and settles on disconnected.
func (s *Socket) failLocked(err error) {
	s.log.Warn("socket error", "error", err)
	s.setStateLocked(StateError)
	s.queue.push(func() {
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
	s.setStateLocked(StateDisconnected)
	s.closeChannelsLocked()
}

func (s *Socket) resetLocked() {
	s.sendCh = nil
	s.done = nil
	s.pending = nil
	s.heartbeatRef = ""
}

func (s *Socket) closeChannelsLocked() {
	channels := append([]*Channel(nil), s.channels...)
	s.queue.push(func() {
		for _, c := range channels {
			c.socketClosed()
		}
	})
}

func (s *Socket) setStateLocked(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.queue.push(func() {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
}

// dispatch routes an inbound frame. It runs on the callback queue.
func (s *Socket) dispatch(f Frame) {
	if f.Event == EventReply {
		if f.Topic == TopicPhoenix && s.ackHeartbeat(f.Ref) {
			return
		}
		p := s.takePush(f.Ref)
		if p == nil {
			s.log.Debug("dropping reply for unknown ref", "topic", f.Topic, "ref", f.Ref)
			return
		}
		p.resolveReply(f.Payload)
		return
	}

	channels := s.channelsFor(f.Topic)
	if len(channels) == 0 {
		s.log.Debug("dropping frame for unknown topic", "topic", f.Topic, "event", f.Event)
		return
	}
	for _, c := range channels {
		c.trigger(f)
	}
}

func (s *Socket) ackHeartbeat(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == "" || ref != s.heartbeatRef {
		return false
	}
	s.heartbeatRef = ""
	return true
}
