package webcall

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Common error variables
var (
	// ErrInvalidConfig is returned when required configuration fields are missing.
	// Configuration problems are fatal at startup and are never retried.
	ErrInvalidConfig = errors.New("webcall: invalid configuration")

	// ErrRegistrationFailed is matched by every error returned from call registration.
	// The user may retry by toggling again.
	ErrRegistrationFailed = errors.New("webcall: registration failed")

	// ErrRemoteSession is matched by errors raised by the real-time layer,
	// either while starting a call or in the middle of one.
	ErrRemoteSession = errors.New("webcall: remote session error")

	// ErrInvalidEventData is returned when an event payload cannot be decoded.
	ErrInvalidEventData = errors.New("webcall: invalid event data")

	// ErrTokenReused is returned when the backend hands out a token that was
	// already used for an earlier session.
	ErrTokenReused = errors.New("webcall: access token already used")

	// ErrCircuitOpen is returned while the registration circuit breaker is open.
	ErrCircuitOpen = errors.New("webcall: circuit breaker is open")

	// ErrConnectionFailed is returned when a transport cannot reach the real-time layer.
	ErrConnectionFailed = errors.New("webcall: connection failed")

	// ErrClosed is returned when using a transport whose connection has been closed.
	ErrClosed = errors.New("webcall: connection is closed")

	// errMissingToken is the cause recorded when a 2xx response has no access_token.
	errMissingToken = errors.New("response missing access_token")
)

// ConfigError represents a configuration validation error.
// It provides detailed information about which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("webcall: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("webcall: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// RegistrationError wraps every failure of the create-web-call exchange:
// transport errors, non-2xx statuses and malformed bodies.
type RegistrationError struct {
	URL        string // Endpoint that was called
	StatusCode int    // HTTP status, 0 when no response was received
	Cause      error  // The underlying error
}

func (e *RegistrationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webcall: register call at %q failed with status %d: %v", e.URL, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("webcall: register call at %q failed: %v", e.URL, e.Cause)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for RegistrationError.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistrationFailed
}

// RemoteSessionError represents an error reported by the real-time layer.
type RemoteSessionError struct {
	Op      string // "start" or "event"
	Code    string // Remote error code, if any
	Message string // Remote error message
	Cause   error  // Underlying error when raised locally by the transport
}

func (e *RemoteSessionError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("webcall: remote %s error [%s]: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("webcall: remote %s error: %s", e.Op, msg)
}

// Unwrap returns the underlying error.
func (e *RemoteSessionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for RemoteSessionError.
func (e *RemoteSessionError) Is(target error) bool {
	return target == ErrRemoteSession
}

// ConnectionError represents a transport connection error.
// It wraps underlying network errors with additional context.
type ConnectionError struct {
	URL       string // The URL that failed to connect
	Cause     error  // The underlying error
	Operation string // The operation that failed (e.g., "dial", "signal")
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("webcall: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("webcall: %s failed for %q", e.Operation, e.URL)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ConnectionError. A transport that cannot
// connect has rejected the start, so it also matches ErrRemoteSession.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed || target == ErrRemoteSession
}

// EventDecodeError represents an error in decoding an event from the real-time layer.
type EventDecodeError struct {
	Kind    string // The event kind, if it could be read
	RawData []byte // The raw JSON data
	Cause   error  // The underlying parsing error
}

func (e *EventDecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("webcall: failed to decode event: %v", e.Cause)
	}
	return fmt.Sprintf("webcall: failed to decode %s event: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *EventDecodeError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for EventDecodeError.
func (e *EventDecodeError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message}
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(url string, status int, cause error) *RegistrationError {
	return &RegistrationError{URL: url, StatusCode: status, Cause: cause}
}

// NewRemoteSessionError creates a new remote session error.
func NewRemoteSessionError(op, code, message string, cause error) *RemoteSessionError {
	return &RemoteSessionError{Op: op, Code: code, Message: message, Cause: cause}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(url, operation string, cause error) *ConnectionError {
	return &ConnectionError{URL: url, Operation: operation, Cause: cause}
}

// NewEventDecodeError creates a new event decoding error.
func NewEventDecodeError(kind string, rawData []byte, cause error) *EventDecodeError {
	return &EventDecodeError{Kind: kind, RawData: rawData, Cause: cause}
}

// ValidateConfig checks the fields every component needs at startup.
func ValidateConfig(cfg Config) error {
	if cfg.AgentID == "" {
		return NewConfigError("AgentID", "", "cannot be empty")
	}

	if cfg.APIBaseURL == "" {
		return NewConfigError("APIBaseURL", "", "cannot be empty")
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigError("APIBaseURL", cfg.APIBaseURL, "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewConfigError("APIBaseURL", cfg.APIBaseURL, "scheme must be http or https")
	}

	if cfg.RegisterTimeout < 0 {
		return NewConfigError("RegisterTimeout", cfg.RegisterTimeout.String(), "cannot be negative")
	}

	if cfg.TranscriptCapacity < 0 {
		return NewConfigError("TranscriptCapacity", fmt.Sprint(cfg.TranscriptCapacity), "cannot be negative")
	}

	return nil
}

// durationOrDefault returns d, or def when d is zero.
func durationOrDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
