package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/remote-agent-terminal/chatclient/internal/buffer"
	"github.com/remote-agent-terminal/chatclient/internal/logger"
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/presence"
	"github.com/remote-agent-terminal/chatclient/internal/session"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

const helpText = `commands:
  /list                    list your conversations
  /create name [a,b,...]   create a conversation with the given participants
  /join id                 switch to a conversation
  /history [n]             show the last n messages
  /read [id...]            mark messages read, all shown ones by default
  /who                     show who is online
  /leave                   leave the conversation
  /quit                    exit
anything else is sent as a message`

// app runs the slash commands of the line client against a session.
type app struct {
	sess       *session.Session
	scrollback *buffer.Ring[model.Message]
	transcript *logger.Transcript
	timeout    time.Duration

	mu  sync.Mutex // guards out
	out io.Writer
}

func newApp(sess *session.Session, out io.Writer, historySize int, transcript *logger.Transcript, timeout time.Duration) *app {
	a := &app{
		sess:       sess,
		scrollback: buffer.NewRing[model.Message](historySize),
		transcript: transcript,
		timeout:    timeout,
		out:        out,
	}

	sess.OnMessage(a.onMessage).
		OnPresenceChange(a.onPresence).
		OnConnectionStateChange(func(state transport.ConnectionState) {
			a.printf("* connection %s", state)
		}).
		OnError(func(err error) {
			a.printf("! %v", describe(err))
		})
	return a
}

func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *app) onMessage(msg model.Message) {
	a.scrollback.Push(msg)
	a.record(func(t *logger.Transcript) error { return t.Received(msg) })
	a.printf("%s", formatMessage(msg))
}

func (a *app) onPresence(e presence.Event) {
	if e.IsSnapshot() {
		a.printf("* online: %s", strings.Join(e.State.IDs(), ", "))
		return
	}
	for _, id := range e.Joins.IDs() {
		a.printf("* %s joined", id)
	}
	for _, id := range e.Leaves.IDs() {
		a.printf("* %s left", id)
	}
}

func (a *app) record(write func(*logger.Transcript) error) {
	if a.transcript == nil {
		return
	}
	if err := write(a.transcript); err != nil {
		a.printf("! transcript: %v", err)
	}
}

// handleLine runs one input line and reports whether the client should exit.
func (a *app) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		a.send(line)
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	args := strings.Fields(rest)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	switch cmd {
	case "list":
		a.list(ctx)
	case "create":
		a.create(ctx, args)
	case "join":
		if len(args) != 1 {
			a.printf("usage: /join id")
			return false
		}
		a.scrollback.Clear()
		a.sess.JoinConversation(args[0])
		a.record(func(t *logger.Transcript) error { return t.Joined(args[0]) })
		a.printf("* joining %s", a.sess.Topic(args[0]))
	case "history":
		a.history(ctx, args)
	case "read":
		a.read(ctx, args)
	case "who":
		a.who()
	case "leave":
		if id := a.sess.ConversationID(); id != "" {
			a.record(func(t *logger.Transcript) error { return t.Left(id) })
		}
		a.sess.LeaveConversation()
		a.scrollback.Clear()
		a.printf("* left conversation")
	case "quit", "exit":
		return true
	case "help":
		a.printf("%s", helpText)
	default:
		a.printf("unknown command /%s, try /help", cmd)
	}
	return false
}

func (a *app) send(content string) {
	if a.sess.ConversationID() == "" {
		a.printf("join a conversation first, try /list")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	id := a.sess.ConversationID()
	a.record(func(t *logger.Transcript) error { return t.Sent(id, content) })
	if _, err := a.sess.SendMessage(ctx, content); err != nil {
		a.printf("! send failed: %v", describe(err))
	}
}

func (a *app) list(ctx context.Context) {
	convs, err := a.sess.FetchConversations(ctx)
	if err != nil {
		a.printf("! list failed: %v", describe(err))
		return
	}
	if len(convs) == 0 {
		a.printf("no conversations, try /create")
		return
	}
	for _, c := range convs {
		a.printf("%s  %s  (%s)", c.ID, c.Name, strings.Join(c.Participants, ", "))
	}
}

func (a *app) create(ctx context.Context, args []string) {
	if len(args) == 0 {
		a.printf("usage: /create name [a,b,...]")
		return
	}
	// The participant list may be written with spaces after the commas.
	var participants []string
	for _, p := range strings.Split(strings.Join(args[1:], " "), ",") {
		if p = strings.TrimSpace(p); p != "" {
			participants = append(participants, p)
		}
	}

	conv, err := a.sess.CreateConversation(ctx, args[0], participants)
	if err != nil {
		a.printf("! create failed: %v", describe(err))
		return
	}
	a.printf("* created %s  %s", conv.ID, conv.Name)
}

func (a *app) history(ctx context.Context, args []string) {
	limit := model.DefaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			a.printf("usage: /history [n]")
			return
		}
		limit = n
	}

	msgs, err := a.sess.FetchMessageHistory(ctx, limit, nil)
	if err != nil {
		a.printf("! history failed: %v, showing local scrollback", describe(err))
		msgs = a.scrollback.Last(limit)
	}
	for _, msg := range msgs {
		a.printf("%s", formatMessage(msg))
	}
}

func (a *app) read(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		for _, msg := range a.scrollback.Items() {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		a.printf("nothing to mark")
		return
	}

	ack, err := a.sess.MarkAsRead(ctx, ids)
	if err != nil {
		a.printf("! read failed: %v", describe(err))
		return
	}
	a.printf("* marked read: %s", ack)
}

func (a *app) who() {
	state := a.sess.Presence()
	if len(state) == 0 {
		a.printf("nobody online")
		return
	}
	for _, id := range state.IDs() {
		a.printf("%s (%d)", id, len(state[id]))
	}
}

func formatMessage(msg model.Message) string {
	return fmt.Sprintf("[%s] %s: %s", msg.InsertedAt.Local().Format("15:04"), msg.UserID, msg.Content)
}

// describe prefers the server reason of a refused push.
func describe(err error) string {
	var replyErr *transport.ReplyError
	if errors.As(err, &replyErr) {
		return replyErr.ReasonText()
	}
	return err.Error()
}
