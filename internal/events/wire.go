package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotEncodable is returned for values outside the closed event set.
var ErrNotEncodable = errors.New("event has no wire encoding")

// Frame is one encoded server-push event.
type Frame struct {
	Name Type
	Data []byte
}

// Encode serializes ev into a frame. Every variant is listed explicitly so a
// new variant cannot reach the wire without a serializer.
func Encode(ev Event) (Frame, error) {
	var (
		data []byte
		err  error
	)

	switch e := ev.(type) {
	case *StreamDelta:
		data, err = json.Marshal(e)
	case *ToolStarted:
		data, err = json.Marshal(e)
	case *ToolFinished:
		data, err = json.Marshal(e)
	case *ContentBlock:
		data, err = json.Marshal(e)
	case *MessageComplete:
		data, err = json.Marshal(e)
	case *Result:
		data, err = json.Marshal(e)
	case *Error:
		data, err = json.Marshal(e)
	case *UserMessage:
		data, err = json.Marshal(e)
	case *QueueStatus:
		data, err = json.Marshal(e)
	case *SessionStatus:
		data, err = json.Marshal(e)
	default:
		return Frame{}, fmt.Errorf("%w: %T", ErrNotEncodable, ev)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", ev.EventType(), err)
	}
	if ev.Session() == "" {
		return Frame{}, fmt.Errorf("encoding %s: missing session_id", ev.EventType())
	}

	return Frame{Name: ev.EventType(), Data: data}, nil
}

// WriteSSE writes ev in text/event-stream framing: event: <type>\ndata: <json>\n\n
func WriteSSE(w io.Writer, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Name, frame.Data)
	return err
}

// Decode parses a frame back into its variant. Used by clients and tests.
func Decode(name Type, data []byte) (Event, error) {
	var ev Event
	switch name {
	case TypeStreamDelta:
		ev = &StreamDelta{}
	case TypeToolStarted:
		ev = &ToolStarted{}
	case TypeToolFinished:
		ev = &ToolFinished{}
	case TypeContentBlock:
		ev = &ContentBlock{}
	case TypeMessageComplete:
		ev = &MessageComplete{}
	case TypeResult:
		ev = &Result{}
	case TypeError:
		ev = &Error{}
	case TypeUserMessage:
		ev = &UserMessage{}
	case TypeQueueStatus:
		ev = &QueueStatus{}
	case TypeSessionStatus:
		ev = &SessionStatus{}
	default:
		return nil, fmt.Errorf("unknown event type %q", name)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return ev, nil
}
