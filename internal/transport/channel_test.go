package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannel_Join(t *testing.T) {
	t.Parallel()

	t.Run("join resolves with the server payload", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, func(c *fakeConn, f Frame) {
			if f.Event == EventJoin {
				c.reply(f, StatusOK, map[string]string{"greeting": "welcome"})
			}
		})
		s, _ := connectTestSocket(t, srv, Config{})

		ch := s.Channel("conversation:42", map[string]string{"user_id": "u1"})
		resp, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)
		require.JSONEq(t, `{"greeting":"welcome"}`, string(resp))
		require.Equal(t, ChannelJoined, ch.State())

		join := srv.nextFrame(EventJoin)
		require.Equal(t, "conversation:42", join.Topic)
		require.Equal(t, join.Ref, join.JoinRef)
		require.JSONEq(t, `{"user_id":"u1"}`, string(join.Payload))
	})

	t.Run("rejection carries the server reason", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, func(c *fakeConn, f Frame) {
			if f.Event == EventJoin {
				c.reply(f, StatusError, map[string]string{"reason": "unauthorized"})
			}
		})
		s, _ := connectTestSocket(t, srv, Config{})

		ch := s.Channel("conversation:42", nil)
		_, err := ch.Join().Wait(context.Background())

		var replyErr *ReplyError
		require.ErrorAs(t, err, &replyErr)
		require.Equal(t, "unauthorized", replyErr.ReasonText())
		require.Equal(t, EventJoin, replyErr.Event)
		require.Equal(t, ChannelErrored, ch.State())
	})

	t.Run("join twice", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, autoJoin)
		s, _ := connectTestSocket(t, srv, Config{})

		ch := s.Channel("room", nil)
		_, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)

		_, err = ch.Join().Wait(context.Background())
		require.ErrorIs(t, err, ErrAlreadyJoined)
	})

	t.Run("join issued while connecting is sent once connected", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, autoJoin)
		s, _ := setupTestSocket(t, srv.endpoint(), Config{})
		require.NoError(t, s.Connect("tok123"))

		ch := s.Channel("room", nil)
		_, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, ChannelJoined, ch.State())
	})
}

func TestChannel_Push(t *testing.T) {
	t.Parallel()

	echo := func(c *fakeConn, f Frame) {
		switch f.Event {
		case EventJoin:
			c.reply(f, StatusOK, nil)
		case "echo":
			c.reply(f, StatusOK, f.Payload)
		case "refuse":
			c.reply(f, StatusError, map[string]string{"reason": "nope"})
		}
	}

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, echo)
		s, _ := connectTestSocket(t, srv, Config{})
		ch := s.Channel("room", nil)
		_, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)

		resp, err := ch.Push("echo", map[string]string{"content": "hi"}).Wait(context.Background())
		require.NoError(t, err)
		require.JSONEq(t, `{"content":"hi"}`, string(resp))
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, echo)
		s, _ := connectTestSocket(t, srv, Config{})
		ch := s.Channel("room", nil)
		_, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)

		_, err = ch.Push("refuse", nil).Wait(context.Background())
		var replyErr *ReplyError
		require.ErrorAs(t, err, &replyErr)
		require.Equal(t, "nope", replyErr.ReasonText())
		require.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("before join", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, echo)
		s, _ := connectTestSocket(t, srv, Config{})
		ch := s.Channel("room", nil)

		_, err := ch.Push("echo", nil).Wait(context.Background())
		require.ErrorIs(t, err, ErrNotJoined)
	})

	t.Run("buffered while joining", func(t *testing.T) {
		t.Parallel()

		joins := make(chan Frame, 1)
		srv := newFakeServer(t, func(c *fakeConn, f Frame) {
			switch f.Event {
			case EventJoin:
				joins <- f
			case "echo":
				c.reply(f, StatusOK, f.Payload)
			}
		})
		s, conn := connectTestSocket(t, srv, Config{})
		ch := s.Channel("room", nil)
		join := ch.Join()
		push := ch.Push("echo", map[string]int{"n": 1})

		joinFrame := receiveSoon(t, joins)
		select {
		case <-push.Done():
			t.Fatal("push resolved before the join")
		case <-time.After(50 * time.Millisecond):
		}

		conn.reply(joinFrame, StatusOK, nil)
		_, err := join.Wait(context.Background())
		require.NoError(t, err)

		resp, err := push.Wait(context.Background())
		require.NoError(t, err)
		require.JSONEq(t, `{"n":1}`, string(resp))
	})
}

func TestPush_timeoutIsFinal(t *testing.T) {
	t.Parallel()

	slow := make(chan Frame, 1)
	srv := newFakeServer(t, func(c *fakeConn, f Frame) {
		switch f.Event {
		case EventJoin:
			c.reply(f, StatusOK, nil)
		case "slow":
			slow <- f
		}
	})
	s, conn := connectTestSocket(t, srv, Config{Timeout: 100 * time.Millisecond})
	ch := s.Channel("room", nil)
	_, err := ch.Join().Wait(context.Background())
	require.NoError(t, err)

	p := ch.Push("slow", nil)
	request := receiveSoon(t, slow)

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	var mu sync.Mutex
	var outcomes []error
	p.OnDone(func(_ json.RawMessage, err error) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, err)
	})

	// The late reply finds no pending request and is dropped.
	conn.reply(request, StatusOK, map[string]string{"late": "yes"})
	time.Sleep(50 * time.Millisecond)

	resp, err := p.Result()
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, resp)
	require.Nil(t, s.takePush(p.Ref()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
}

func TestPush_waitContext(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t, autoJoin)
	s, _ := connectTestSocket(t, srv, Config{Timeout: 200 * time.Millisecond})
	ch := s.Channel("room", nil)
	_, err := ch.Join().Wait(context.Background())
	require.NoError(t, err)

	p := ch.Push("ignored", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Giving up the wait does not cancel the push.
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestChannel_Leave(t *testing.T) {
	t.Parallel()

	t.Run("late events are not delivered", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, autoJoin)
		s, conn := connectTestSocket(t, srv, Config{})

		ch := s.Channel("conversation:1", nil)
		got := make(chan json.RawMessage, 4)
		ch.On("new_message", func(payload json.RawMessage) {
			got <- payload
		})
		_, err := ch.Join().Wait(context.Background())
		require.NoError(t, err)

		conn.send(Frame{Topic: "conversation:1", Event: "new_message", Payload: mustJSON(t, map[string]string{"content": "before"})})
		require.JSONEq(t, `{"content":"before"}`, string(receiveSoon(t, got)))

		ch.Leave()
		require.Equal(t, ChannelLeft, ch.State())
		require.Empty(t, s.Channels())

		leave := srv.nextFrame(EventLeave)
		require.Equal(t, "conversation:1", leave.Topic)

		conn.send(Frame{Topic: "conversation:1", Event: "new_message", Payload: mustJSON(t, map[string]string{"content": "after"})})
		notReceived(t, got)

		// Leave is idempotent.
		ch.Leave()
	})

	t.Run("stale join refs are dropped on a rejoined topic", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t, autoJoin)
		s, conn := connectTestSocket(t, srv, Config{})

		old := s.Channel("room", nil)
		_, err := old.Join().Wait(context.Background())
		require.NoError(t, err)
		staleRef := old.JoinRef()
		old.Leave()

		fresh := s.Channel("room", nil)
		got := make(chan string, 4)
		fresh.On("ping", func(payload json.RawMessage) {
			var p struct{ N string }
			_ = json.Unmarshal(payload, &p)
			got <- p.N
		})
		_, err = fresh.Join().Wait(context.Background())
		require.NoError(t, err)

		conn.send(Frame{JoinRef: staleRef, Topic: "room", Event: "ping", Payload: mustJSON(t, map[string]string{"n": "stale"})})
		conn.send(Frame{JoinRef: fresh.JoinRef(), Topic: "room", Event: "ping", Payload: mustJSON(t, map[string]string{"n": "fresh"})})
		conn.send(Frame{Topic: "room", Event: "ping", Payload: mustJSON(t, map[string]string{"n": "broadcast"})})

		require.Equal(t, "fresh", receiveSoon(t, got))
		require.Equal(t, "broadcast", receiveSoon(t, got))
		notReceived(t, got)
	})
}

func TestChannel_serverError(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t, autoJoin)
	s, conn := connectTestSocket(t, srv, Config{})

	ch := s.Channel("room", nil)
	errored := make(chan struct{}, 1)
	ch.On(EventError, func(json.RawMessage) {
		errored <- struct{}{}
	})
	_, err := ch.Join().Wait(context.Background())
	require.NoError(t, err)

	conn.send(Frame{JoinRef: ch.JoinRef(), Topic: "room", Event: EventError})
	receiveSoon(t, errored)
	require.Equal(t, ChannelErrored, ch.State())

	_, err = ch.Push("anything", nil).Wait(context.Background())
	require.ErrorIs(t, err, ErrNotJoined)
}
