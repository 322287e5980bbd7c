package transport

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
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer is a scripted server speaking the wire protocol.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	respond func(c *fakeConn, f Frame)

	frames chan Frame
	conns  chan *fakeConn
}

type fakeConn struct {
	t     *testing.T
	conn  *websocket.Conn
	query url.Values
	mu    sync.Mutex
}

// send writes f to the client.
func (c *fakeConn) send(f Frame) {
	data, err := EncodeFrame(f)
	require.NoError(c.t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *fakeConn) reply(request Frame, status string, response any) {
	f, err := Reply(request, status, response)
	require.NoError(c.t, err)
	c.send(f)
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}

// autoJoin acknowledges joins and heartbeats and ignores everything else.
func autoJoin(c *fakeConn, f Frame) {
	switch f.Event {
	case EventJoin, EventHeartbeat:
		c.reply(f, StatusOK, nil)
	}
}

func newFakeServer(t *testing.T, respond func(c *fakeConn, f Frame)) *fakeServer {
	t.Helper()

	s := &fakeServer{
		t:       t,
		respond: respond,
		frames:  make(chan Frame, 64),
		conns:   make(chan *fakeConn, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{t: s.t, conn: conn, query: r.URL.Query()}
	s.conns <- fc

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		s.frames <- f
		if s.respond != nil {
			s.respond(fc, f)
		}
	}
}

func (s *fakeServer) endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/socket"
}

// nextFrame returns the next frame with the given event, skipping others.
func (s *fakeServer) nextFrame(event string) Frame {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			s.t.Fatalf("no %s frame received", event)
			return Frame{}
		}
	}
}

func (s *fakeServer) nextConn() *fakeConn {
	s.t.Helper()
	return receiveSoon(s.t, s.conns)
}

// receiveSoon receives from ch or fails the test after a short wait.
func receiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("value not received in time")
		var zero T
		return zero
	}
}

// notReceived asserts nothing arrives on ch for a short while.
func notReceived[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
