package webcall

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "call started",
			data: `{"event":"call_started"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != EventCallStarted {
					t.Errorf("kind = %q", ev.Kind)
				}
			},
		},
		{
			name: "call ended",
			data: `{"event":"call_ended"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != EventCallEnded {
					t.Errorf("kind = %q", ev.Kind)
				}
			},
		},
		{
			name: "talking",
			data: `{"event":"agent_start_talking"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != EventAgentStartTalking {
					t.Errorf("kind = %q", ev.Kind)
				}
			},
		},
		{
			name: "update",
			data: `{"event":"update","transcript":{"role":"agent","content":"Hello, how can I help?"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Transcript == nil || ev.Transcript.Role != "agent" || ev.Transcript.Content != "Hello, how can I help?" {
					t.Errorf("transcript = %+v", ev.Transcript)
				}
			},
		},
		{
			name: "metadata kept raw",
			data: `{"event":"metadata","metadata":{"step":2,"tags":["a"]}}`,
			check: func(t *testing.T, ev Event) {
				if string(ev.Metadata) != `{"step":2,"tags":["a"]}` {
					t.Errorf("metadata = %s", ev.Metadata)
				}
			},
		},
		{
			name: "audio",
			data: `{"event":"audio","audio":[0.5,-0.25]}`,
			check: func(t *testing.T, ev Event) {
				if len(ev.Audio) != 2 || ev.Audio[0] != 0.5 || ev.Audio[1] != -0.25 {
					t.Errorf("audio = %v", ev.Audio)
				}
			},
		},
		{
			name: "error with payload",
			data: `{"event":"error","error":{"code":"agent_down","message":"agent unavailable"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Error == nil || ev.Error.Code != "agent_down" || ev.Error.Message != "agent unavailable" {
					t.Errorf("error = %+v", ev.Error)
				}
			},
		},
		{
			name: "error without payload",
			data: `{"event":"error"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Error == nil || ev.Error.Message == "" {
					t.Errorf("expected a default error message, got %+v", ev.Error)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKind string
	}{
		{"malformed json", `{"event":`, ""},
		{"not an object", `[]`, ""},
		{"unknown kind", `{"event":"session.created"}`, "session.created"},
		{"missing kind", `{}`, ""},
		{"update without transcript", `{"event":"update"}`, "update"},
		{"wrong payload type", `{"event":"audio","audio":"loud"}`, "audio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			if !errors.Is(err, ErrInvalidEventData) {
				t.Fatalf("expected ErrInvalidEventData, got %v", err)
			}
			var ee *EventDecodeError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *EventDecodeError, got %T", err)
			}
			if ee.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ee.Kind, tt.wantKind)
			}
			if string(ee.RawData) != tt.data {
				t.Errorf("raw data not kept: %q", ee.RawData)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	in := Event{Kind: EventUpdate, Transcript: &Utterance{Role: "user", Content: "book a haircut"}}
	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if string(wire["event"]) != `"update"` {
		t.Errorf("event field = %s", wire["event"])
	}
	if _, ok := wire["audio"]; ok {
		t.Error("empty fields should be omitted")
	}

	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if out.Transcript == nil || *out.Transcript != *in.Transcript {
		t.Errorf("round trip = %+v", out.Transcript)
	}

	if _, err := EncodeEvent(Event{Kind: "bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestEventKindValid(t *testing.T) {
	for _, k := range EventKinds {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if EventKind("response.done").Valid() {
		t.Error("foreign kind reported valid")
	}
}
