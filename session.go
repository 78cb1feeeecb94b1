package webcall

import (
	"context"
	"errors"
	"fmt"
)

// RemoteClient is the real-time communication layer the controller drives.
// One instance is shared for the controller's lifetime and reused across calls.
// Implementations must be safe for concurrent use: StopCall may be invoked
// from an event handler while another goroutine is in StartCall.
type RemoteClient interface {
	// StartCall connects to the agent using a single-use access token.
	// A nil return means the attempt was accepted; the call becomes active
	// when the client emits call_started.
	StartCall(ctx context.Context, opts StartCallOptions) error

	// StopCall ends the current call. It is a no-op when no call is open.
	StopCall()

	// On registers a handler for one event kind. Handlers run on the
	// client's delivery goroutine and must not block.
	On(kind EventKind, fn func(Event))
}

// StartCallOptions configures a single call start.
type StartCallOptions struct {
	// AccessToken authorizes exactly one call. Required.
	AccessToken AccessToken

	// SampleRate of captured and played audio in Hz. Zero lets the transport decide.
	SampleRate int

	// CaptureDeviceID selects the microphone, if the transport supports it.
	CaptureDeviceID string

	// PlaybackDeviceID selects the speaker, if the transport supports it.
	PlaybackDeviceID string

	// EmitRawAudioSamples asks the transport to emit audio events.
	EmitRawAudioSamples bool
}

var validSampleRates = []int{8000, 16000, 24000, 44100, 48000}

// ValidateStartCallOptions performs validation on start options.
func ValidateStartCallOptions(o StartCallOptions) error {
	if o.AccessToken == "" {
		return errors.New("access token is required")
	}

	if o.SampleRate != 0 {
		valid := false
		for _, r := range validSampleRates {
			if o.SampleRate == r {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid sample rate %d, must be one of: %v", o.SampleRate, validSampleRates)
		}
	}

	return nil
}

// AccessToken is an opaque single-use credential. Its String form is redacted
// so that it never ends up in logs by accident.
type AccessToken string

// String implements fmt.Stringer.
func (t AccessToken) String() string {
	if t == "" {
		return ""
	}
	return "[redacted]"
}

// Value returns the raw token for transports that must send it.
func (t AccessToken) Value() string { return string(t) }
