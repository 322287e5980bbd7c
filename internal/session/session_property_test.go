package session

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/chatclient/internal/transport/transporttest"
)

// Joining conversations back to back leaves only the last one active: events
// on every earlier topic are dropped.
func TestBackToBackJoinProperty(t *testing.T) {
	s, rec, srv, cleanup := setupTestSession(t, transporttest.AutoJoin, Config{})
	defer cleanup()
	conn := srv.NextConn()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	round := 0
	properties.Property("only the last joined conversation delivers messages", prop.ForAll(
		func(ids []int) bool {
			round++
			for _, id := range ids {
				s.JoinConversation(fmt.Sprint(id))
			}
			last := fmt.Sprint(ids[len(ids)-1])
			if s.ConversationID() != last {
				return false
			}

			// Frames on one connection are dispatched in order, so once the
			// marker on the active topic arrives every earlier broadcast has
			// been either delivered or dropped.
			for _, id := range ids[:len(ids)-1] {
				if fmt.Sprint(id) == last {
					continue
				}
				conn.Broadcast(s.Topic(fmt.Sprint(id)), EventNewMessage, map[string]string{"id": "stale"})
			}
			marker := fmt.Sprintf("r%d", round)
			conn.Broadcast(s.Topic(last), EventNewMessage, map[string]string{"id": marker})

			return receive(t, rec.messages).ID == marker
		},
		gen.SliceOfN(4, gen.IntRange(1, 6)),
	))

	properties.TestingRun(t)
}
