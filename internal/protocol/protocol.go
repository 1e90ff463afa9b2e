// Package protocol defines the event frames exchanged between roomchat
// clients and the server over a WebSocket connection.
//
// Every WebSocket text message carries exactly one Frame. The Event field
// names the event and Data holds its JSON payload.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event names understood by the server and the client.
const (
	EventUserJoined     = "user_joined"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
)

// TimestampLayout is the ISO-8601 layout used for envelope timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ErrUnknownEvent is returned when a frame names an event the receiver does
// not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Frame is the wire unit of the event protocol.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessage is the payload of a send_message event.
type SendMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// Envelope is the payload of a receive_message event. Once built by the
// server it is never modified.
type Envelope struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// NewFrame encodes payload as the data of a frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "encode %s payload", event)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errors.Errorf("%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", f.Event)
	}
	return nil
}

// Marshal returns the JSON encoding of the frame.
func (f Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return b, nil
}

// ParseFrame decodes a single frame from raw.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Event == "" {
		return Frame{}, errors.New("frame has no event")
	}
	return f, nil
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
