package webcall

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind names an event emitted by the real-time layer.
type EventKind string

// Events produced by a RemoteClient.
const (
	EventCallStarted       EventKind = "call_started"
	EventCallEnded         EventKind = "call_ended"
	EventAgentStartTalking EventKind = "agent_start_talking"
	EventAgentStopTalking  EventKind = "agent_stop_talking"
	EventAudio             EventKind = "audio"
	EventUpdate            EventKind = "update"
	EventMetadata          EventKind = "metadata"
	EventError             EventKind = "error"
)

// EventKinds lists every kind in the order the controller binds them.
var EventKinds = []EventKind{
	EventCallStarted,
	EventCallEnded,
	EventAgentStartTalking,
	EventAgentStopTalking,
	EventAudio,
	EventUpdate,
	EventMetadata,
	EventError,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Utterance is one transcript fragment.
type Utterance struct {
	Role    string `json:"role"`    // "agent" or "user"
	Content string `json:"content"` // Spoken text
}

// RemoteError is the payload of an error event.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is a single notification from the real-time layer. Only the field
// matching Kind is populated.
type Event struct {
	Kind EventKind `json:"event"`

	// Transcript is set for update events.
	Transcript *Utterance `json:"transcript,omitempty"`

	// Metadata is set for metadata events and is never interpreted.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Audio holds raw PCM samples for audio events.
	Audio []float32 `json:"audio,omitempty"`

	// Error is set for error events.
	Error *RemoteError `json:"error,omitempty"`
}

// envelope is used for initial JSON parsing to determine the event kind
// before unmarshaling the full event.
type envelope struct {
	Kind EventKind `json:"event"`
}

// DecodeEvent parses one wire event. Unknown kinds and events missing their
// payload are reported as *EventDecodeError.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, NewEventDecodeError("", data, err)
	}
	if !env.Kind.Valid() {
		return Event{}, NewEventDecodeError(string(env.Kind), data, fmt.Errorf("unknown event kind %q", env.Kind))
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, NewEventDecodeError(string(env.Kind), data, err)
	}

	switch ev.Kind {
	case EventUpdate:
		if ev.Transcript == nil {
			return Event{}, NewEventDecodeError(string(ev.Kind), data, errors.New("missing transcript"))
		}
	case EventError:
		if ev.Error == nil {
			ev.Error = &RemoteError{Message: "unspecified remote error"}
		}
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent, used by transports and test servers.
func EncodeEvent(ev Event) ([]byte, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("webcall: cannot encode unknown event kind %q", ev.Kind)
	}
	return json.Marshal(ev)
}
