package webcall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRemote records calls and lets tests emit events synchronously.
type fakeRemote struct {
	mu       sync.Mutex
	handlers map[EventKind][]func(Event)
	starts   []StartCallOptions
	stops    int

	startErr  error
	autoStart bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{handlers: make(map[EventKind][]func(Event))}
}

func (f *fakeRemote) StartCall(_ context.Context, opts StartCallOptions) error {
	f.mu.Lock()
	f.starts = append(f.starts, opts)
	err, auto := f.startErr, f.autoStart
	f.mu.Unlock()
	if err == nil && auto {
		f.emit(Event{Kind: EventCallStarted})
	}
	return err
}

func (f *fakeRemote) StopCall() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeRemote) On(kind EventKind, fn func(Event)) {
	f.mu.Lock()
	f.handlers[kind] = append(f.handlers[kind], fn)
	f.mu.Unlock()
}

func (f *fakeRemote) emit(ev Event) {
	f.mu.Lock()
	handlers := append([]func(Event){}, f.handlers[ev.Kind]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (f *fakeRemote) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), f.stops
}

// fakeRegistrar hands out tokens from a function. When gate is set every
// call signals entered and then waits for a token on gate.
type fakeRegistrar struct {
	mu    sync.Mutex
	calls int
	next  func(n int) (AccessToken, error)

	entered chan struct{}
	gate    chan AccessToken
}

func (r *fakeRegistrar) RegisterCall(ctx context.Context, _ string) (AccessToken, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()

	if r.gate != nil {
		r.entered <- struct{}{}
		select {
		case tok := <-r.gate:
			return tok, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.next(n)
}

func (r *fakeRegistrar) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func uniqueTokens() *fakeRegistrar {
	return &fakeRegistrar{next: func(n int) (AccessToken, error) {
		return AccessToken("tok-" + string(rune('a'+n))), nil
	}}
}

func gatedRegistrar() *fakeRegistrar {
	return &fakeRegistrar{entered: make(chan struct{}, 4), gate: make(chan AccessToken)}
}

func newTestController(t *testing.T, reg CallRegistrar, remote RemoteClient, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{AgentID: "agent-1", APIBaseURL: "https://api.example.com"}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewController(cfg, reg, remote)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func waitEntered(t *testing.T, r *fakeRegistrar) {
	t.Helper()
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("registration never started")
	}
}

func TestController_StartAndEnd(t *testing.T) {
	remote := newFakeRemote()
	c := newTestController(t, uniqueTokens(), remote, func(cfg *Config) {
		cfg.StartOptions = StartCallOptions{SampleRate: 24000, EmitRawAudioSamples: true}
	})

	var states []State
	c.OnChange(func(s Snapshot) { states = append(states, s.State) })

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if c.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting until call_started", c.State())
	}
	if c.IsActive() {
		t.Error("active before call_started")
	}

	remote.mu.Lock()
	opts := remote.starts[0]
	remote.mu.Unlock()
	if opts.AccessToken == "" || opts.SampleRate != 24000 || !opts.EmitRawAudioSamples {
		t.Errorf("start options = %+v", opts)
	}

	remote.emit(Event{Kind: EventCallStarted})
	snap := c.Snapshot()
	if snap.State != StateActive || !snap.Active() || snap.AccessToken == "" || snap.SessionID == "" {
		t.Errorf("after call_started: %+v", snap)
	}

	remote.emit(Event{Kind: EventCallEnded})
	snap = c.Snapshot()
	if snap.State != StateEnded || snap.AccessToken != "" {
		t.Errorf("after call_ended: %+v", snap)
	}

	want := []State{StateConnecting, StateActive, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
			break
		}
	}
}

func TestController_RegistrationFailure(t *testing.T) {
	remote := newFakeRemote()
	reg := &fakeRegistrar{next: func(int) (AccessToken, error) {
		return "", NewRegistrationError("https://api.example.com/create-web-call", 500, errors.New("unexpected status: 500 Internal Server Error"))
	}}
	c := newTestController(t, reg, remote)

	err := c.Toggle(context.Background())
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("expected ErrRegistrationFailed, got %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateFailed || !errors.Is(snap.Err, ErrRegistrationFailed) || snap.AccessToken != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if starts, _ := remote.counts(); starts != 0 {
		t.Errorf("StartCall called %d times", starts)
	}

	// the user may retry
	reg.next = func(int) (AccessToken, error) { return "fresh", nil }
	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.State() != StateConnecting || c.Snapshot().Err != nil {
		t.Errorf("retry left %+v", c.Snapshot())
	}
}

func TestController_RapidTogglesStartOnce(t *testing.T) {
	remote := newFakeRemote()
	reg := gatedRegistrar()
	c := newTestController(t, reg, remote)

	done := make(chan error, 1)
	go func() { done <- c.Toggle(context.Background()) }()
	waitEntered(t, reg)

	if err := c.Toggle(context.Background()); err != nil {
		t.Errorf("second toggle: %v", err)
	}
	if c.State() != StateConnecting {
		t.Errorf("state = %s", c.State())
	}

	reg.gate <- "tok-1"
	if err := <-done; err != nil {
		t.Fatalf("first toggle: %v", err)
	}

	starts, stops := remote.counts()
	if starts != 1 || stops != 0 {
		t.Errorf("starts = %d, stops = %d", starts, stops)
	}
	if reg.callCount() != 1 {
		t.Errorf("registered %d times", reg.callCount())
	}
}

func TestController_StopDuringRegistration(t *testing.T) {
	remote := newFakeRemote()
	reg := gatedRegistrar()
	c := newTestController(t, reg, remote)

	done := make(chan error, 1)
	go func() { done <- c.Toggle(context.Background()) }()
	waitEntered(t, reg)

	c.Stop()
	if c.State() != StateEnded {
		t.Fatalf("state = %s, want ended", c.State())
	}

	reg.gate <- "late-token"
	if err := <-done; err != nil {
		t.Errorf("cancelled toggle returned %v", err)
	}

	starts, stops := remote.counts()
	if starts != 0 {
		t.Errorf("StartCall called %d times after cancel", starts)
	}
	if stops != 1 {
		t.Errorf("StopCall called %d times, want 1", stops)
	}
	snap := c.Snapshot()
	if snap.State != StateEnded || snap.AccessToken != "" {
		t.Errorf("snapshot = %+v", snap)
	}

	// a stale call_started from the cancelled attempt changes nothing
	remote.emit(Event{Kind: EventCallStarted})
	if c.State() != StateEnded {
		t.Errorf("stale call_started moved state to %s", c.State())
	}
}

func TestController_ToggleStopsActiveCall(t *testing.T) {
	remote := newFakeRemote()
	remote.autoStart = true
	c := newTestController(t, uniqueTokens(), remote)

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %s", c.State())
	}

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := c.Snapshot(); snap.State != StateEnding || snap.AccessToken != "" {
		t.Errorf("snapshot = %+v, want ending without token", snap)
	}

	// a toggle while ending is ignored
	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, stops := remote.counts(); stops != 1 {
		t.Errorf("StopCall called %d times, want 1", stops)
	}

	remote.emit(Event{Kind: EventCallEnded})
	if c.State() != StateEnded {
		t.Errorf("state = %s", c.State())
	}
}

func TestController_RestartIgnoresCancelledCall(t *testing.T) {
	tests := []struct {
		name string
		// lateEndBeforeStart delivers the cancelled call's call_ended while
		// the new session is still registering
		lateEndBeforeStart bool
	}{
		{"late end during registration", true},
		{"late end after restart", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote()
			reg := gatedRegistrar()
			c := newTestController(t, reg, remote)

			first := make(chan error, 1)
			go func() { first <- c.Toggle(context.Background()) }()
			waitEntered(t, reg)
			reg.gate <- "tok-1"
			if err := <-first; err != nil {
				t.Fatalf("first toggle: %v", err)
			}

			c.Stop()
			if c.State() != StateEnded {
				t.Fatalf("state = %s", c.State())
			}

			second := make(chan error, 1)
			go func() { second <- c.Toggle(context.Background()) }()
			waitEntered(t, reg)

			if tt.lateEndBeforeStart {
				remote.emit(Event{Kind: EventCallEnded})
			}
			reg.gate <- "tok-2"
			if err := <-second; err != nil {
				t.Fatalf("second toggle: %v", err)
			}
			if !tt.lateEndBeforeStart {
				remote.emit(Event{Kind: EventCallEnded})
			}

			if starts, _ := remote.counts(); starts != 2 {
				t.Fatalf("StartCall called %d times, want 2", starts)
			}
			if snap := c.Snapshot(); snap.State != StateConnecting || snap.AccessToken.Value() != "tok-2" {
				t.Fatalf("late call_ended leaked into new session: %+v", snap)
			}

			remote.emit(Event{Kind: EventCallStarted})
			if c.State() != StateActive {
				t.Errorf("state = %s, want active", c.State())
			}
			remote.emit(Event{Kind: EventCallEnded})
			if c.State() != StateEnded {
				t.Errorf("state = %s, want ended", c.State())
			}
		})
	}
}

func TestController_StaleEventsAfterRestart(t *testing.T) {
	remote := newFakeRemote()
	reg := gatedRegistrar()
	c := newTestController(t, reg, remote)

	first := make(chan error, 1)
	go func() { first <- c.Toggle(context.Background()) }()
	waitEntered(t, reg)
	reg.gate <- "tok-1"
	<-first
	c.Stop()

	second := make(chan error, 1)
	go func() { second <- c.Toggle(context.Background()) }()
	waitEntered(t, reg)

	// the cancelled call is still winding down
	remote.emit(Event{Kind: EventCallStarted})
	remote.emit(Event{Kind: EventUpdate, Transcript: &Utterance{Role: "agent", Content: "old"}})
	remote.emit(Event{Kind: EventError, Error: &RemoteError{Message: "late failure"}})

	snap := c.Snapshot()
	if snap.State != StateConnecting || len(snap.Transcript) != 0 {
		t.Errorf("stale events changed the new session: %+v", snap)
	}

	remote.emit(Event{Kind: EventCallEnded})
	reg.gate <- "tok-2"
	if err := <-second; err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if starts, _ := remote.counts(); starts != 2 {
		t.Errorf("StartCall called %d times, want 2", starts)
	}
}

func TestController_RemoteError(t *testing.T) {
	remote := newFakeRemote()
	remote.autoStart = true
	c := newTestController(t, uniqueTokens(), remote)

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.emit(Event{Kind: EventError, Error: &RemoteError{Code: "agent_down", Message: "agent unavailable"}})

	snap := c.Snapshot()
	if snap.State != StateFailed || snap.AccessToken != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	var rse *RemoteSessionError
	if !errors.As(snap.Err, &rse) || rse.Code != "agent_down" {
		t.Errorf("Err = %v", snap.Err)
	}
	if _, stops := remote.counts(); stops != 1 {
		t.Errorf("StopCall called %d times, want 1", stops)
	}

	// the transport's own call_ended after the stop does not leave failed
	remote.emit(Event{Kind: EventCallEnded})
	if c.State() != StateFailed {
		t.Errorf("state = %s", c.State())
	}
}

func TestController_StartRejected(t *testing.T) {
	remote := newFakeRemote()
	remote.startErr = errors.New("microphone permission denied")
	c := newTestController(t, uniqueTokens(), remote)

	err := c.Toggle(context.Background())
	if !errors.Is(err, ErrRemoteSession) {
		t.Fatalf("expected ErrRemoteSession, got %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateFailed || snap.AccessToken != "" || !errors.Is(snap.Err, ErrRemoteSession) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestController_TokenReuse(t *testing.T) {
	remote := newFakeRemote()
	remote.autoStart = true
	reg := &fakeRegistrar{next: func(int) (AccessToken, error) { return "same-token", nil }}
	c := newTestController(t, reg, remote)

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.emit(Event{Kind: EventCallEnded})

	err := c.Toggle(context.Background())
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %s", c.State())
	}
	if starts, _ := remote.counts(); starts != 1 {
		t.Errorf("StartCall called %d times, want 1", starts)
	}
}

func TestController_Transcript(t *testing.T) {
	remote := newFakeRemote()
	remote.autoStart = true
	c := newTestController(t, uniqueTokens(), remote, func(cfg *Config) { cfg.TranscriptCapacity = 3 })

	// updates before a session are dropped
	remote.emit(Event{Kind: EventUpdate, Transcript: &Utterance{Role: "agent", Content: "stale"}})

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		remote.emit(Event{Kind: EventUpdate, Transcript: &Utterance{Role: "agent", Content: text}})
	}

	got := c.Snapshot().Transcript
	if len(got) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(got))
	}
	for i, want := range []string{"three", "four", "five"} {
		if got[i].Content != want {
			t.Errorf("transcript[%d] = %q, want %q", i, got[i].Content, want)
		}
	}

	// a new session starts with an empty transcript
	remote.emit(Event{Kind: EventCallEnded})
	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Snapshot().Transcript); n != 0 {
		t.Errorf("transcript carried over: %d items", n)
	}
}

func TestController_SpeakingMetadataAudio(t *testing.T) {
	remote := newFakeRemote()
	remote.autoStart = true
	c := newTestController(t, uniqueTokens(), remote)

	var (
		metadata []json.RawMessage
		samples  [][]float32
	)
	c.OnMetadata(func(md json.RawMessage) { metadata = append(metadata, md) })
	c.OnAudio(func(s []float32) { samples = append(samples, s) })

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	remote.emit(Event{Kind: EventAgentStartTalking})
	if !c.Snapshot().Speaking {
		t.Error("expected speaking")
	}
	remote.emit(Event{Kind: EventAgentStopTalking})
	if c.Snapshot().Speaking {
		t.Error("expected not speaking")
	}

	remote.emit(Event{Kind: EventMetadata, Metadata: json.RawMessage(`{"intent":"book"}`)})
	if len(metadata) != 1 || string(metadata[0]) != `{"intent":"book"}` {
		t.Errorf("metadata = %s", metadata)
	}
	snap := c.Snapshot()
	if string(snap.Metadata) != `{"intent":"book"}` {
		t.Errorf("snapshot metadata = %s", snap.Metadata)
	}
	snap.Metadata[2] = 'X'
	if string(c.Snapshot().Metadata) != `{"intent":"book"}` {
		t.Errorf("snapshot shares the controller's metadata: %s", c.Snapshot().Metadata)
	}

	remote.emit(Event{Kind: EventAudio, Audio: []float32{0.1, 0.2}})
	if len(samples) != 1 || len(samples[0]) != 2 {
		t.Errorf("audio = %v", samples)
	}

	remote.emit(Event{Kind: EventAgentStartTalking})
	remote.emit(Event{Kind: EventCallEnded})
	if c.Snapshot().Speaking {
		t.Error("speaking flag survived call end")
	}
}

func TestController_StopAndCloseIdle(t *testing.T) {
	remote := newFakeRemote()
	c := newTestController(t, uniqueTokens(), remote)

	c.Stop()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s", c.State())
	}
	if _, stops := remote.counts(); stops != 0 {
		t.Errorf("StopCall called %d times", stops)
	}
}

func TestNewController_Validation(t *testing.T) {
	remote := newFakeRemote()
	reg := uniqueTokens()

	tests := []struct {
		name   string
		cfg    Config
		reg    CallRegistrar
		remote RemoteClient
	}{
		{"missing agent", Config{}, reg, remote},
		{"negative capacity", Config{AgentID: "a", TranscriptCapacity: -1}, reg, remote},
		{"nil registrar", Config{AgentID: "a"}, nil, remote},
		{"nil remote", Config{AgentID: "a"}, reg, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(tt.cfg, tt.reg, tt.remote); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
