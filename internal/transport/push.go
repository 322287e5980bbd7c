package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is the outcome of a push that got no reply within the
	// timeout window. The server may still have acted on it.
	ErrTimeout = errors.New("push timed out: outcome unknown")

	// ErrNotJoined is returned for pushes on a channel that is not joined or joining.
	ErrNotJoined = errors.New("channel is not joined")

	// ErrAlreadyJoined is returned when Join is called twice on the same channel.
	ErrAlreadyJoined = errors.New("channel join already attempted")
)

// ReplyError is the outcome of a push the server answered with an error status.
type ReplyError struct {
	Topic  string
	Event  string
	Reason json.RawMessage
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s %s rejected: %s", e.Topic, e.Event, e.ReasonText())
}

// ReasonText returns the "reason" field of the server response when there is
// one, otherwise the raw response.
func (e *ReplyError) ReasonText() string {
	var r struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Reason, &r); err == nil && r.Reason != "" {
		return r.Reason
	}
	var s string
	if err := json.Unmarshal(e.Reason, &s); err == nil && s != "" {
		return s
	}
	return string(e.Reason)
}

// Push is a request sent on a channel. It resolves exactly once: with the
// response payload, with a *ReplyError, or with ErrTimeout. There is no way to
// cancel it.
type Push struct {
	topic   string
	event   string
	ref     string
	payload json.RawMessage

	mu       sync.Mutex
	resolved bool
	resp     json.RawMessage
	err      error
	timer    *time.Timer
	hooks    []func(json.RawMessage, error)
	done     chan struct{}
}

func newPush(topic, event, ref string) *Push {
	return &Push{
		topic: topic,
		event: event,
		ref:   ref,
		done:  make(chan struct{}),
	}
}

// failedPush returns a push that is already resolved with err.
func failedPush(topic, event string, err error) *Push {
	p := newPush(topic, event, "")
	p.resolve(nil, err)
	return p
}

// Topic returns the topic the push was sent on.
func (p *Push) Topic() string { return p.topic }

// Event returns the push event name.
func (p *Push) Event() string { return p.event }

// Ref returns the message ref correlating the push with its reply.
func (p *Push) Ref() string { return p.ref }

// Done is closed once the push has its outcome.
func (p *Push) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Push) Result() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp, p.err
}

// Wait blocks until the push resolves or ctx is done. A done ctx stops the
// wait only; the push keeps running and still resolves on its own.
func (p *Push) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnDone registers fn to run once the push resolves. fn runs on the socket
// callback queue, or right away on the calling goroutine when the push has
// already resolved.
func (p *Push) OnDone(fn func(json.RawMessage, error)) {
	p.mu.Lock()
	if p.resolved {
		resp, err := p.resp, p.err
		p.mu.Unlock()
		fn(resp, err)
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// resolve records the outcome. It reports false if the push already had one.
func (p *Push) resolve(resp json.RawMessage, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.resp, p.err = resp, err
	if p.timer != nil {
		p.timer.Stop()
	}
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	// Hooks update channel state, so they run before waiters are released.
	for _, fn := range hooks {
		fn(resp, err)
	}
	close(p.done)
	return true
}

// resolveReply resolves the push from a phx_reply payload.
func (p *Push) resolveReply(payload json.RawMessage) bool {
	var reply ReplyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		return p.resolve(nil, fmt.Errorf("failed to decode reply: %w", err))
	}
	if reply.Status == StatusOK {
		resp := reply.Response
		if len(resp) == 0 {
			resp = emptyObject
		}
		return p.resolve(resp, nil)
	}
	return p.resolve(nil, &ReplyError{Topic: p.topic, Event: p.event, Reason: reply.Response})
}
