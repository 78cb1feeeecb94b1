package webcall

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Snapshot is an immutable view of the controller's session, handed to the UI.
type Snapshot struct {
	SessionID   string          // Per-attempt identifier, empty before the first start
	AgentID     string          // Agent this controller talks to
	State       State           // Current lifecycle state
	Err         error           // Failure reason when State is StateFailed
	AccessToken AccessToken     // Present only while connecting or active
	Speaking    bool            // Agent is currently talking
	Transcript  []Utterance     // Most recent utterances, oldest first
	Metadata    json.RawMessage // Last metadata payload, uninterpreted
}

// Active reports whether a call is in progress from the user's point of view.
func (s Snapshot) Active() bool { return s.State == StateActive }

// Controller owns one call session at a time and mediates between user
// intent (Toggle, Stop) and the RemoteClient's events.
//
// All state changes go through Next under a single mutex; side effects such
// as StartCall and StopCall run after the mutex is released. A generation
// counter identifies the current session so that a registration response or
// start failure belonging to a cancelled attempt is discarded on arrival.
// Remote events are attributed to the oldest call that has not ended yet,
// so a late call_ended from a cancelled attempt never reaches the next one.
type Controller struct {
	agentID   string
	reg       CallRegistrar
	remote    RemoteClient
	startOpts StartCallOptions
	log       eventLog
	newID     func() string

	// serializes user-initiated StartCall/StopCall so a cancel cannot be
	// overtaken by a late StartCall
	remoteMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	sessionID  string
	token      AccessToken
	failure    error
	speaking   bool
	transcript *Transcript
	metadata   json.RawMessage
	usedTokens map[[sha256.Size]byte]struct{}

	// generations whose StartCall was issued and whose call_ended has not
	// arrived, oldest first. Remote events belong to calls[0].
	calls []uint64

	handlerMu  sync.RWMutex
	onChange   []func(Snapshot)
	onMetadata []func(json.RawMessage)
	onAudio    []func([]float32)
}

// NewController binds the controller to remote's events. The remote client
// is owned by the controller for its whole lifetime and reused for every call.
func NewController(cfg Config, reg CallRegistrar, remote RemoteClient) (*Controller, error) {
	if cfg.AgentID == "" {
		return nil, NewConfigError("AgentID", "", "cannot be empty")
	}
	if cfg.TranscriptCapacity < 0 {
		return nil, NewConfigError("TranscriptCapacity", fmt.Sprint(cfg.TranscriptCapacity), "cannot be negative")
	}
	if reg == nil {
		return nil, NewConfigError("Registrar", "", "cannot be nil")
	}
	if remote == nil {
		return nil, NewConfigError("RemoteClient", "", "cannot be nil")
	}

	c := &Controller{
		agentID:    cfg.AgentID,
		reg:        reg,
		remote:     remote,
		startOpts:  cfg.StartOptions,
		log:        newEventLog(cfg, map[string]any{"agent_id": cfg.AgentID}),
		newID:      uuid.NewString,
		state:      StateIdle,
		transcript: NewTranscript(cfg.transcriptCapacity()),
		usedTokens: make(map[[sha256.Size]byte]struct{}),
	}

	for _, kind := range EventKinds {
		remote.On(kind, c.handleEvent)
	}
	return c, nil
}

// OnChange registers a callback fired after every state or field change.
// Callbacks run outside the controller's lock and must not block.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.handlerMu.Lock()
	c.onChange = append(c.onChange, fn)
	c.handlerMu.Unlock()
}

// OnMetadata registers a callback receiving metadata payloads untouched.
func (c *Controller) OnMetadata(fn func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.onMetadata = append(c.onMetadata, fn)
	c.handlerMu.Unlock()
}

// OnAudio registers a callback receiving raw audio samples, when the remote
// client was asked to emit them.
func (c *Controller) OnAudio(fn func([]float32)) {
	c.handlerMu.Lock()
	c.onAudio = append(c.onAudio, fn)
	c.handlerMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a call is active.
func (c *Controller) IsActive() bool {
	return c.State() == StateActive
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Toggle starts a call when none is in progress and stops the active one
// otherwise. A toggle that repeats the direction already in progress
// (while connecting or ending) is ignored and returns nil.
//
// Starting blocks through registration and the remote client's StartCall,
// but holds no lock while doing so: concurrent toggles are ignored and a
// concurrent Stop cancels the attempt. Registration failures and start
// rejections are returned and leave the controller in StateFailed.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActive || c.state == StateEnding {
		c.mu.Unlock()
		c.Stop()
		return nil
	}
	return c.startLocked(ctx)
}

// Stop hangs up the active call, or cancels an attempt that is still
// connecting. It is a no-op in every other state.
func (c *Controller) Stop() {
	c.mu.Lock()
	effects, ok := c.step(InputStop, nil)
	if !ok {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if HasEffect(effects, EffectStopCall) {
		c.remoteMu.Lock()
		c.remote.StopCall()
		c.remoteMu.Unlock()
	}
}

// Close stops any call in progress. The controller remains usable.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// startLocked runs the start path. It is called with c.mu held and releases it.
func (c *Controller) startLocked(ctx context.Context) error {
	if _, _, ok := Next(c.state, InputStart); !ok {
		state := c.state
		c.mu.Unlock()
		c.log.debug("toggle_ignored", map[string]any{"state": state})
		return nil
	}
	c.gen++
	gen := c.gen
	c.sessionID = c.newID()
	c.step(InputStart, nil)
	c.failure = nil
	c.speaking = false
	c.metadata = nil
	c.transcript.Reset()
	log := c.sessionLogLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	log.info("registering", nil)

	token, err := c.reg.RegisterCall(ctx, c.agentID)
	if err != nil {
		if !c.finish(gen, InputRegistrationFailed, err) {
			log.debug("registration_discarded", map[string]any{"err": err})
			return nil
		}
		log.error("registration_failed", map[string]any{"err": err})
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		log.info("registration_discarded", map[string]any{"reason": "cancelled"})
		return nil
	}
	digest := sha256.Sum256([]byte(token))
	if _, used := c.usedTokens[digest]; used {
		c.mu.Unlock()
		err := NewRegistrationError("", 0, ErrTokenReused)
		c.finish(gen, InputRegistrationFailed, err)
		log.error("registration_failed", map[string]any{"err": err})
		return err
	}
	c.usedTokens[digest] = struct{}{}
	c.step(InputRegistered, nil)
	c.token = token
	c.mu.Unlock()

	c.remoteMu.Lock()
	c.mu.Lock()
	current := c.gen == gen && c.state == StateConnecting
	if current {
		c.calls = append(c.calls, gen)
	}
	c.mu.Unlock()
	if !current {
		c.remoteMu.Unlock()
		log.info("start_discarded", map[string]any{"reason": "cancelled"})
		return nil
	}
	opts := c.startOpts
	opts.AccessToken = token
	err = c.remote.StartCall(ctx, opts)
	c.remoteMu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.dropCallLocked(gen)
		c.mu.Unlock()

		rerr := NewRemoteSessionError("start", "", "", err)
		if !c.finish(gen, InputStartRejected, rerr) {
			log.debug("start_error_discarded", map[string]any{"err": err})
			return nil
		}
		log.error("start_failed", map[string]any{"err": err})
		return rerr
	}

	log.info("start_requested", nil)
	return nil
}

// finish applies a result of the start path if it still belongs to the
// current session. It reports whether the input was applied.
func (c *Controller) finish(gen uint64, in Input, cause error) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	effects, ok := c.step(in, cause)
	if !ok {
		c.mu.Unlock()
		return false
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if HasEffect(effects, EffectStopCall) {
		c.remote.StopCall()
	}
	return true
}

// step applies in to the state machine. Caller must hold c.mu.
func (c *Controller) step(in Input, cause error) ([]Effect, bool) {
	prev := c.state
	next, effects, ok := Next(prev, in)
	if !ok {
		return nil, false
	}

	c.state = next
	if HasEffect(effects, EffectClearToken) {
		c.token = ""
	}
	if next == StateFailed && prev != StateFailed {
		c.failure = cause
	}
	if next == StateEnded || next == StateFailed {
		c.speaking = false
	}

	if prev != next {
		c.sessionLogLocked().info("state_changed", map[string]any{
			"from":  prev,
			"to":    next,
			"input": in,
		})
	}
	return effects, true
}

// dropCallLocked forgets a call whose start was rejected. Caller must hold c.mu.
func (c *Controller) dropCallLocked(gen uint64) {
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i] == gen {
			c.calls = append(c.calls[:i], c.calls[i+1:]...)
			return
		}
	}
}

// ownsEventLocked reports whether an event of kind belongs to the current
// session. call_ended retires the oldest outstanding call. Caller must hold c.mu.
func (c *Controller) ownsEventLocked(kind EventKind) bool {
	if len(c.calls) == 0 {
		return false
	}
	owner := c.calls[0]
	if kind == EventCallEnded {
		c.calls = c.calls[1:]
	}
	return owner == c.gen
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Kind {
	case EventCallStarted:
		c.transition(ev.Kind, InputCallStarted, nil)

	case EventCallEnded:
		c.transition(ev.Kind, InputCallEnded, nil)

	case EventAgentStartTalking, EventAgentStopTalking:
		c.mu.Lock()
		if !c.ownsEventLocked(ev.Kind) || !c.state.Live() {
			c.mu.Unlock()
			return
		}
		c.speaking = ev.Kind == EventAgentStartTalking
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)

	case EventUpdate:
		if ev.Transcript == nil {
			return
		}
		c.mu.Lock()
		if !c.ownsEventLocked(ev.Kind) || !c.state.Live() {
			c.mu.Unlock()
			return
		}
		c.transcript.Append(*ev.Transcript)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)

	case EventMetadata:
		c.mu.Lock()
		if !c.ownsEventLocked(ev.Kind) {
			c.mu.Unlock()
			return
		}
		c.metadata = append(json.RawMessage{}, ev.Metadata...)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)

		c.handlerMu.RLock()
		handlers := append([]func(json.RawMessage){}, c.onMetadata...)
		c.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(ev.Metadata)
		}

	case EventAudio:
		c.mu.Lock()
		owned := c.ownsEventLocked(ev.Kind)
		c.mu.Unlock()
		if !owned {
			return
		}
		c.handlerMu.RLock()
		handlers := append([]func([]float32){}, c.onAudio...)
		c.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(ev.Audio)
		}

	case EventError:
		var code, msg string
		if ev.Error != nil {
			code, msg = ev.Error.Code, ev.Error.Message
		}
		err := NewRemoteSessionError("event", code, msg, nil)
		c.log.error("remote_error", map[string]any{"err": err})
		c.transition(ev.Kind, InputRemoteError, err)
	}
}

// transition applies an event-driven input and performs its side effects.
// Events from an earlier call are dropped; an error from one still stops
// the remote call so nothing is left open.
func (c *Controller) transition(kind EventKind, in Input, cause error) {
	c.mu.Lock()
	if !c.ownsEventLocked(kind) {
		c.mu.Unlock()
		c.log.debug("stale_event_dropped", map[string]any{"event": kind})
		if in == InputRemoteError {
			c.remote.StopCall()
		}
		return
	}
	effects, ok := c.step(in, cause)
	if !ok {
		state := c.state
		c.mu.Unlock()
		c.log.debug("event_ignored", map[string]any{"input": in, "state": state})
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if HasEffect(effects, EffectStopCall) {
		// not under remoteMu: the remote client may deliver this event from
		// inside StartCall
		c.remote.StopCall()
	}
}

func (c *Controller) notify(snap Snapshot) {
	c.handlerMu.RLock()
	handlers := append([]func(Snapshot){}, c.onChange...)
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(snap)
	}
}

// snapshotLocked copies the session. Caller must hold c.mu.
func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:   c.sessionID,
		AgentID:     c.agentID,
		State:       c.state,
		AccessToken: c.token,
		Speaking:    c.speaking,
		Transcript:  c.transcript.Items(),
	}
	if c.metadata != nil {
		snap.Metadata = append(json.RawMessage{}, c.metadata...)
	}
	if c.state == StateFailed {
		snap.Err = c.failure
	}
	return snap
}

func (c *Controller) sessionLogLocked() eventLog {
	if c.sessionID == "" {
		return c.log
	}
	return c.log.with(map[string]any{"session_id": c.sessionID})
}
