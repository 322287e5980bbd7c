package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reserved event names of the wire protocol.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	// TopicPhoenix is the topic heartbeats are sent on.
	TopicPhoenix = "phoenix"

	// ProtocolVersion is the serializer version announced in the dial URL.
	ProtocolVersion = "2.0.0"
)

// Reply statuses carried by phx_reply payloads.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is one wire message. It is encoded as the JSON array
// [join_ref, ref, topic, event, payload]; empty refs are encoded as null.
type Frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// ReplyPayload is the payload of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

var emptyObject = json.RawMessage("{}")

// MarshalJSON encodes the frame as a five element array.
func (f Frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload
	if len(payload) == 0 {
		payload = emptyObject
	}
	return json.Marshal([]interface{}{nullable(f.JoinRef), nullable(f.Ref), f.Topic, f.Event, payload})
}

// UnmarshalJSON decodes a five element array into the frame.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 5 {
		return fmt.Errorf("invalid frame: expected 5 elements, got %d", len(arr))
	}

	var joinRef, ref *string
	if err := json.Unmarshal(arr[0], &joinRef); err != nil {
		return fmt.Errorf("invalid join ref: %w", err)
	}
	if err := json.Unmarshal(arr[1], &ref); err != nil {
		return fmt.Errorf("invalid ref: %w", err)
	}
	if err := json.Unmarshal(arr[2], &f.Topic); err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}
	if err := json.Unmarshal(arr[3], &f.Event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	f.JoinRef, f.Ref = "", ""
	if joinRef != nil {
		f.JoinRef = *joinRef
	}
	if ref != nil {
		f.Ref = *ref
	}
	f.Payload = append(json.RawMessage(nil), arr[4]...)
	return nil
}

// EncodeFrame returns the wire bytes of f.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses wire bytes into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(bytes.TrimSpace(data), &f)
	return f, err
}

// Reply builds the phx_reply frame answering request with the given status.
func Reply(request Frame, status string, response any) (Frame, error) {
	raw, err := marshalPayload(response)
	if err != nil {
		return Frame{}, err
	}
	payload, err := json.Marshal(ReplyPayload{Status: status, Response: raw})
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		JoinRef: request.JoinRef,
		Ref:     request.Ref,
		Topic:   request.Topic,
		Event:   EventReply,
		Payload: payload,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalPayload encodes v as a JSON object payload. nil becomes {}.
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyObject, nil
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
