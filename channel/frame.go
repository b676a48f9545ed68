package channel

import (
	"encoding/json"
	"fmt"
)

// Frame types on the relay websocket.
const (
	FrameTrack     = "track"     // client → server: publish presence
	FrameBroadcast = "broadcast" // both directions
	FramePresence  = "presence"  // server → client: a peer's state
	FrameLeave     = "leave"     // server → client: a peer is gone
)

// Frame is the JSON envelope exchanged with the relay server.
type Frame struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	ClientID string          `json:"clientId"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame parses and checks a frame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.ClientID == "" {
		return Frame{}, fmt.Errorf("%w: frame without client id", ErrInvalidPayload)
	}
	switch f.Type {
	case FrameTrack, FramePresence:
		if len(f.Payload) == 0 {
			return Frame{}, fmt.Errorf("%w: %s frame without payload", ErrInvalidPayload, f.Type)
		}
	case FrameBroadcast:
		if f.Event == "" || isReserved(f.Event) {
			return Frame{}, fmt.Errorf("%w: broadcast event %q", ErrInvalidPayload, f.Event)
		}
	case FrameLeave:
	default:
		return Frame{}, fmt.Errorf("%w: frame type %q", ErrInvalidPayload, f.Type)
	}
	return f, nil
}

// Message converts a server → client frame to the handler message.
func (f Frame) Message() Message {
	m := Message{ClientID: f.ClientID, Payload: f.Payload}
	switch f.Type {
	case FramePresence, FrameTrack:
		m.Event = EventPresence
	case FrameLeave:
		m.Event = EventLeave
	default:
		m.Event = f.Event
	}
	return m
}

func isReserved(event string) bool {
	return event == EventPresence || event == EventLeave || event == EventStatus
}
