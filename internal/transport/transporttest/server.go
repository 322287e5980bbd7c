// Package transporttest provides a scripted server speaking the channel wire
// protocol, for tests of packages built on transport.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// Wait is how long helpers wait for an expected frame or connection.
const Wait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Responder is called for every frame the client sends.
type Responder func(c *Conn, f transport.Frame)

// Server is a scripted server. Every received frame is recorded and passed
// to the responder.
type Server struct {
	t       testing.TB
	srv     *httptest.Server
	respond Responder

	frames chan transport.Frame
	conns  chan *Conn
}

// Conn is one client connection on the server.
type Conn struct {
	t     testing.TB
	conn  *websocket.Conn
	Query url.Values

	mu sync.Mutex
}

// NewServer starts a server closed on test cleanup. respond may be nil.
func NewServer(t testing.TB, respond Responder) *Server {
	t.Helper()

	s := &Server{
		t:       t,
		respond: respond,
		frames:  make(chan transport.Frame, 128),
		conns:   make(chan *Conn, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// AutoJoin acknowledges joins and heartbeats and ignores everything else.
func AutoJoin(c *Conn, f transport.Frame) {
	switch f.Event {
	case transport.EventJoin, transport.EventHeartbeat:
		c.Reply(f, transport.StatusOK, nil)
	}
}

// Routes builds a responder from per event handlers. Joins and heartbeats
// not listed are acknowledged.
func Routes(handlers map[string]Responder) Responder {
	return func(c *Conn, f transport.Frame) {
		if h, ok := handlers[f.Event]; ok {
			h(c, f)
			return
		}
		AutoJoin(c, f)
	}
}

// Endpoint returns the socket endpoint of the server.
func (s *Server) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/socket"
}

// NextFrame returns the next received frame with the given event, skipping others.
func (s *Server) NextFrame(event string) transport.Frame {
	s.t.Helper()
	deadline := time.After(Wait)
	for {
		select {
		case f := <-s.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			s.t.Fatalf("no %s frame received", event)
			return transport.Frame{}
		}
	}
}

// NoFrame fails the test if a frame with the given event arrives within d.
func (s *Server) NoFrame(event string, d time.Duration) {
	s.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-s.frames:
			if f.Event == event {
				s.t.Fatalf("unexpected %s frame on %s", event, f.Topic)
			}
		case <-deadline:
			return
		}
	}
}

// NextConn returns the next accepted connection.
func (s *Server) NextConn() *Conn {
	s.t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(Wait):
		s.t.Fatal("no connection accepted")
		return nil
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{t: s.t, conn: conn, Query: r.URL.Query()}
	s.conns <- c

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := transport.DecodeFrame(data)
		if err != nil {
			continue
		}
		s.frames <- f
		if s.respond != nil {
			s.respond(c, f)
		}
	}
}

// Send writes f to the client.
func (c *Conn) Send(f transport.Frame) {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		c.t.Errorf("failed to encode frame: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Reply answers request with status and response.
func (c *Conn) Reply(request transport.Frame, status string, response any) {
	f, err := transport.Reply(request, status, response)
	if err != nil {
		c.t.Errorf("failed to build reply: %v", err)
		return
	}
	c.Send(f)
}

// Broadcast sends a server event on topic.
func (c *Conn) Broadcast(topic, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.t.Errorf("failed to encode payload: %v", err)
		return
	}
	c.Send(transport.Frame{Topic: topic, Event: event, Payload: data})
}

// Close drops the connection without a close frame.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}
