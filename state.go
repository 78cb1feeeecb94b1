package webcall

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	return s >= StateIdle && s <= StateFailed
}

// Live reports whether a session is in progress (not idle, ended or failed).
func (s State) Live() bool {
	return s == StateConnecting || s == StateActive || s == StateEnding
}

// Input drives the state machine.
type Input int

const (
	InputStart Input = iota
	InputStop
	InputRegistered
	InputRegistrationFailed
	InputStartRejected
	InputCallStarted
	InputCallEnded
	InputRemoteError
)

var inputNames = [...]string{
	InputStart:              "start",
	InputStop:               "stop",
	InputRegistered:         "registered",
	InputRegistrationFailed: "registration_failed",
	InputStartRejected:      "start_rejected",
	InputCallStarted:        "call_started",
	InputCallEnded:          "call_ended",
	InputRemoteError:        "remote_error",
}

func (in Input) String() string {
	if in >= 0 && int(in) < len(inputNames) {
		return inputNames[in]
	}
	return "unknown"
}

// Effect is a side effect the controller performs after a transition.
type Effect int

const (
	EffectRegister Effect = iota
	EffectStartCall
	EffectStopCall
	EffectClearToken
)

func (e Effect) String() string {
	switch e {
	case EffectRegister:
		return "register"
	case EffectStartCall:
		return "start_call"
	case EffectStopCall:
		return "stop_call"
	case EffectClearToken:
		return "clear_token"
	default:
		return "unknown"
	}
}

// Next computes the transition for input in from state s. It is pure: the
// same arguments always give the same result. ok is false when the input is
// ignored in s, in which case the state is returned unchanged with no effects.
func Next(s State, in Input) (next State, effects []Effect, ok bool) {
	switch in {
	case InputStart:
		switch s {
		case StateIdle, StateEnded, StateFailed:
			return StateConnecting, []Effect{EffectRegister}, true
		}

	case InputStop:
		switch s {
		case StateConnecting:
			// Cancel before the call was confirmed. Stop unconditionally in
			// case the remote layer already accepted the token.
			return StateEnded, []Effect{EffectStopCall, EffectClearToken}, true
		case StateActive:
			return StateEnding, []Effect{EffectStopCall, EffectClearToken}, true
		}

	case InputRegistered:
		if s == StateConnecting {
			return StateConnecting, []Effect{EffectStartCall}, true
		}

	case InputRegistrationFailed, InputStartRejected:
		if s == StateConnecting {
			return StateFailed, []Effect{EffectClearToken}, true
		}

	case InputCallStarted:
		if s == StateConnecting {
			return StateActive, nil, true
		}

	case InputCallEnded:
		switch s {
		case StateConnecting, StateActive, StateEnding:
			return StateEnded, []Effect{EffectClearToken}, true
		}

	case InputRemoteError:
		if s.Live() {
			return StateFailed, []Effect{EffectStopCall, EffectClearToken}, true
		}
		// No session to fail, but never leave a remote call open.
		return s, []Effect{EffectStopCall}, true
	}

	return s, nil, false
}

// HasEffect reports whether effects contains e.
func HasEffect(effects []Effect, e Effect) bool {
	for _, x := range effects {
		if x == e {
			return true
		}
	}
	return false
}
