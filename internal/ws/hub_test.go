package ws

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.SendChan():
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub("conversation:c1")
	closed := 0
	hub.SetOnClose(func() { closed++ })

	alice := NewClient(nil, "alice")
	bob := NewClient(nil, "bob")

	require.Nil(t, hub.Register(alice, "1", presence.Meta{"phx_ref": "a1"}))
	require.Nil(t, hub.Register(bob, "3", presence.Meta{"phx_ref": "b1"}))
	require.Equal(t, 2, hub.ClientCount())

	state := hub.Presence()
	require.Equal(t, []string{"alice", "bob"}, state.IDs())

	// A stale join ref does not remove the current membership
	_, ok := hub.Unregister(alice, "9")
	require.False(t, ok)
	require.Equal(t, 2, hub.ClientCount())

	meta, ok := hub.Unregister(alice, "1")
	require.True(t, ok)
	require.Equal(t, "a1", meta.Ref())
	require.Equal(t, 0, closed)

	_, ok = hub.Unregister(bob, "3")
	require.True(t, ok)
	require.Equal(t, 1, closed)
	require.False(t, hub.HasClients())
}

func TestHub_RegisterReplaces(t *testing.T) {
	hub := NewHub("conversation:c1")
	alice := NewClient(nil, "alice")

	hub.Register(alice, "1", presence.Meta{"phx_ref": "old"})
	prev := hub.Register(alice, "5", presence.Meta{"phx_ref": "new"})
	require.Equal(t, "old", prev.Ref())

	state := hub.Presence()
	require.Len(t, state["alice"], 1)
	require.Equal(t, "new", state["alice"][0].Ref())

	_, ok := hub.Unregister(alice, "1")
	require.False(t, ok)
}

func TestHub_PresenceSkipsUntracked(t *testing.T) {
	hub := NewHub("conversation:list")
	hub.Register(NewClient(nil, "alice"), "1", nil)
	require.Empty(t, hub.Presence())
	require.Equal(t, 1, hub.ClientCount())
}

func TestHub_BroadcastSkip(t *testing.T) {
	hub := NewHub("conversation:c1")
	alice := NewClient(nil, "alice")
	bob := NewClient(nil, "bob")
	hub.Register(alice, "1", nil)
	hub.Register(bob, "1", nil)

	hub.Broadcast(EventNewMessage, []byte(`{"content":"hi"}`), alice)

	require.Empty(t, drain(alice))
	got := drain(bob)
	require.Len(t, got, 1)

	f, err := transport.DecodeFrame(got[0])
	require.NoError(t, err)
	require.Equal(t, "", f.JoinRef)
	require.Equal(t, "", f.Ref)
	require.Equal(t, "conversation:c1", f.Topic)
	require.Equal(t, EventNewMessage, f.Event)
	require.JSONEq(t, `{"content":"hi"}`, string(f.Payload))
}

func TestHub_CloseClearsJoins(t *testing.T) {
	hub := NewHub("conversation:c1")
	alice := NewClient(nil, "alice")
	alice.setJoin("1", "conversation:c1")
	alice.setJoin("2", "conversation:list")
	hub.Register(alice, "1", nil)

	hub.Close()

	require.False(t, hub.HasClients())
	require.False(t, alice.Joined("conversation:c1", "1"))
	require.True(t, alice.Joined("conversation:list", "2"))
	require.Equal(t, []string{"conversation:list"}, alice.Topics())
}

func TestClient_SendAfterClose(t *testing.T) {
	c := NewClient(nil, "alice")
	c.Send([]byte("a"))
	c.Close()
	c.Close()
	c.Send([]byte("b"))

	require.True(t, c.IsClosed())
	require.Equal(t, [][]byte{[]byte("a")}, drain(c))
}

func TestClient_SendOverflowCloses(t *testing.T) {
	c := NewClient(nil, "alice")
	for i := 0; i < cap(c.send)+1; i++ {
		c.Send([]byte("x"))
	}
	require.True(t, c.IsClosed())
}

func TestClient_Joined(t *testing.T) {
	c := NewClient(nil, "alice")
	require.False(t, c.Joined("conversation:c1", ""))

	c.setJoin("1", "conversation:c1")
	require.True(t, c.Joined("conversation:c1", "1"))
	require.False(t, c.Joined("conversation:c1", "2"))
	require.False(t, c.Joined("conversation:c2", "1"))

	topic, ok := c.clearJoin("1")
	require.True(t, ok)
	require.Equal(t, "conversation:c1", topic)
	_, ok = c.clearJoin("1")
	require.False(t, ok)
}

func TestHubManager_Lifecycle(t *testing.T) {
	m := NewHubManager()
	alice := NewClient(nil, "alice")

	hub, prev := m.Register("conversation:c1", alice, "1", presence.Meta{"phx_ref": "a"})
	require.Nil(t, prev)
	require.Same(t, hub, m.GetOrCreate("conversation:c1"))
	require.Same(t, hub, m.Get("conversation:c1"))
	require.Equal(t, 1, m.Len())

	// The hub goes away with its last member
	hub.Unregister(alice, "1")
	require.Nil(t, m.Get("conversation:c1"))
	require.Equal(t, 0, m.Len())

	m.GetOrCreate("conversation:c2")
	m.GetOrCreate("conversation:c3")
	m.Remove("conversation:c2")
	require.Nil(t, m.Get("conversation:c2"))
	require.Equal(t, 1, m.Len())

	m.Close()
	require.Equal(t, 0, m.Len())
}

// For any set of members, a broadcast reaches every member but the sender
// exactly once.
func TestBroadcastProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("broadcast reaches every other member once", prop.ForAll(
		func(members int, sender int) bool {
			hub := NewHub("conversation:p")
			clients := make([]*Client, members)
			for i := range clients {
				clients[i] = NewClient(nil, "u")
				hub.Register(clients[i], "1", nil)
			}
			skip := clients[sender%members]

			hub.Broadcast(EventNewMessage, []byte(`{}`), skip)

			for _, c := range clients {
				want := 1
				if c == skip {
					want = 0
				}
				if len(drain(c)) != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
